//go:build !unix

package agent

func usableSpace(string) int64 {
	return -1
}
