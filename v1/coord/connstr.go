package coord

import (
	"fmt"
	"strings"
)

// ParseConnectString splits a connect string of the form
// "host1:port,host2:port/chroot" into its servers and chroot path. The chroot is
// empty when the string carries none or when it is "/".
func ParseConnectString(s string) (servers []string, chroot string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", fmt.Errorf("%w: empty connect string", ErrBadPath)
	}
	hosts := s
	if i := strings.Index(s, "/"); i >= 0 {
		hosts, chroot = s[:i], s[i:]
		if chroot == "/" {
			chroot = ""
		}
		if chroot != "" {
			if err := Validate(chroot); err != nil {
				return nil, "", err
			}
		}
	}
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			servers = append(servers, h)
		}
	}
	if len(servers) == 0 {
		return nil, "", fmt.Errorf("%w: connect string %q lists no servers", ErrBadPath, s)
	}
	return servers, chroot, nil
}
