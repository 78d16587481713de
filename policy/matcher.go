package policy

import "strings"

// match reports whether r matches fullMethod and the matched length used to
// break ties between rules of the same kind.
func (r *rule) match(fullMethod string) (bool, int) {
	switch r.kind {
	case kindExact:
		return fullMethod == r.pattern, len(r.pattern)
	case kindPrefix:
		return strings.HasPrefix(fullMethod, r.pattern), len(r.pattern)
	case kindRegex:
		if loc := r.re.FindStringIndex(fullMethod); loc != nil {
			return true, loc[1] - loc[0]
		}
	}
	return false, 0
}
