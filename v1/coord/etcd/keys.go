package etcd

import (
	"fmt"
	"strings"
)

func depth(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

func nodeKey(p string) string {
	return fmt.Sprintf("n/%03d%s", depth(p), p)
}

func childPrefix(p string) string {
	if p == "/" {
		return "n/001/"
	}
	return fmt.Sprintf("n/%03d%s/", depth(p)+1, p)
}

func seqKey(p string) string {
	return "s" + p
}
