package mjail

import (
	"fmt"
	"strconv"
	"strings"
)

// Ledger parameters owned by mjail. Parameters starting with $ are
// jail.conf variables, ignored by jail(8) itself.
const (
	ManagedParam        = "$mjail_managed"
	RunningReleaseParam = "$mjail_currently_running_release"
	HostnameParam       = "host.hostname"
	InterfaceParam      = "interface"
	IP4AddrParam        = "ip4.addr"

	ManagedValue = "yes"

	redirectParamPrefix = "$mjail_rdr_"
)

type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

func ParseProtocol(proto string) (Protocol, error) {
	switch Protocol(proto) {
	case TCP, UDP:
		return Protocol(proto), nil
	}

	return "", ValidationError{Field: "protocol", Reason: fmt.Sprintf("%q is not one of tcp, udp", proto)}
}

func ParsePort(field, port string) (uint16, error) {
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return 0, ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a port number", port)}
	}

	return uint16(n), nil
}

// Redirect forwards HostPort on the host's external interface to JailPort
// inside a jail.
type Redirect struct {
	Protocol Protocol
	HostPort uint16
	JailPort uint16
}

// RedirectParam is the ledger parameter keying a redirect by protocol and
// host port.
func RedirectParam(proto Protocol, hostPort uint16) string {
	return fmt.Sprintf("%s%s_%d", redirectParamPrefix, proto, hostPort)
}

func (r Redirect) Param() string {
	return RedirectParam(r.Protocol, r.HostPort)
}

func (r Redirect) Value() string {
	return strconv.Itoa(int(r.JailPort))
}

// ParseRedirect is the inverse of Param/Value. ok is false for parameters
// that are not redirects or are malformed.
func ParseRedirect(param, value string) (Redirect, bool) {
	if !strings.HasPrefix(param, redirectParamPrefix) {
		return Redirect{}, false
	}

	parts := strings.SplitN(strings.TrimPrefix(param, redirectParamPrefix), "_", 2)
	if len(parts) != 2 {
		return Redirect{}, false
	}

	proto, err := ParseProtocol(parts[0])
	if err != nil {
		return Redirect{}, false
	}

	hostPort, err := ParsePort("host port", parts[1])
	if err != nil {
		return Redirect{}, false
	}

	jailPort, err := ParsePort("jail port", value)
	if err != nil {
		return Redirect{}, false
	}

	return Redirect{Protocol: proto, HostPort: hostPort, JailPort: jailPort}, true
}
