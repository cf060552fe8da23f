package logger

import "strings"

// RedactEmail masks an address for logging while keeping enough of the
// local part to correlate events. Shield addresses and real delivery
// addresses are treated alike: "bob1234@shield.tld" logs as
// "bo***@shield.tld". Local parts of two characters or fewer are fully
// masked, and anything that is not local@domain collapses to "***@***"
// so a malformed sender can never leak through a log line.
func RedactEmail(addr string) string {
	local, domain, found := strings.Cut(addr, "@")
	if !found || domain == "" || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
