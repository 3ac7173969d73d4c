package tracker

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/objectfs/mogilefs/pkg/errors"
)

var hostPattern = regexp.MustCompile(`^(\S+):(\d+)$`)

// Address is one tracker endpoint.
type Address struct {
	Host string
	Port int
}

// String returns host:port, bracketing IPv6 literals.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses "host:port". Malformed input yields a BAD_HOST_FORMAT error.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	m := hostPattern.FindStringSubmatch(s)
	if m == nil {
		return Address{}, badHost(s)
	}

	host := strings.TrimSuffix(strings.TrimPrefix(m[1], "["), "]")
	port, err := strconv.Atoi(m[2])
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return Address{}, badHost(s)
	}
	return Address{Host: host, Port: port}, nil
}

// ParseAddresses parses a tracker list. Entries may themselves be comma
// separated; blank entries are skipped. An empty result is an error.
func ParseAddresses(hosts []string) ([]Address, error) {
	var addrs []Address
	for _, h := range hosts {
		for _, part := range strings.Split(h, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			a, err := ParseAddress(part)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.NewError(errors.ErrCodeBadHostFormat, "no tracker addresses configured").
			WithComponent("tracker")
	}
	return addrs, nil
}

func badHost(s string) error {
	return errors.Newf(errors.ErrCodeBadHostFormat, "malformed tracker address %q, expected host:port", s).
		WithComponent("tracker").
		WithContext("address", s)
}
