//go:build !linux

package netio

// SetSynCnt is a no-op outside Linux: TCP_SYNCNT has no portable
// equivalent, and the original UCX implementation itself only sets it on
// Linux (ucs_tcp_base_set_syn_cnt is guarded the same way).
func SetSynCnt(fd, synCnt int) error {
	return nil
}
