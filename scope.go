package toolauth

import "strings"

func splitScope(scope string) []string {
	return strings.Fields(scope)
}

func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
