//go:build linux

package netio

import "golang.org/x/sys/unix"

// SetSynCnt sets TCP_SYNCNT, bounding the number of SYN retransmits the
// kernel will attempt for a non-blocking connect before giving up -- this is
// Linux-only, matching ucs_tcp_base_set_syn_cnt's own platform scope.
func SetSynCnt(fd, synCnt int) error {
	if synCnt <= 0 {
		return nil
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_SYNCNT, synCnt)
}
