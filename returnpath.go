package rbus

import "strings"

// ReturnPathScheme is the prefix every return path must carry.
// Producers of a return path (the Result transport) must emit exactly
// this form; consumers must reject anything else.
const ReturnPathScheme = "redis+key://"

// ReturnPathKey strips the ReturnPathScheme prefix from a return
// path, returning ErrInvalidReturnPath if the prefix is absent.
func ReturnPathKey(returnPath string) (string, error) {
	if !strings.HasPrefix(returnPath, ReturnPathScheme) {
		return "", ErrInvalidReturnPath
	}
	return strings.TrimPrefix(returnPath, ReturnPathScheme), nil
}
