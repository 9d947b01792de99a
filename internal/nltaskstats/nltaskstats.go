// Package nltaskstats opens the Linux generic-netlink TASKSTATS family
// purely as a wake-up signal: the daemon registers interest in process
// exits across every CPU, then blocks on the socket between drain
// passes. The payload of every notification is discarded — only its
// arrival matters.
package nltaskstats

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	netlinkGenericFamily = 16 // NETLINK_GENERIC

	genlIDCtrl        = 0x10 // GENL_ID_CTRL
	ctrlCmdGetFamily  = 3    // CTRL_CMD_GETFAMILY
	ctrlAttrFamilyID  = 1    // CTRL_ATTR_FAMILY_ID
	ctrlAttrFamName   = 2    // CTRL_ATTR_FAMILY_NAME
	taskstatsGenlName = "TASKSTATS"

	taskstatsCmdGet                   = 1 // TASKSTATS_CMD_GET
	taskstatsCmdAttrRegisterCPUMask   = 3 // TASKSTATS_CMD_ATTR_REGISTER_CPUMASK
	genlHdrLen                        = 4
	nlmsgHdrLen                       = 16
	nlaHdrLen                         = 4
	recvBufSize                       = 256 * 1024
)

// Channel is an open, registered TASKSTATS wake-up channel.
type Channel struct {
	fd int
}

// Open creates the netlink socket, resolves the TASKSTATS family id, and
// registers for exit notifications across every CPU reported by
// /proc/stat.
func Open() (*Channel, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, netlinkGenericFamily)
	if err != nil {
		return nil, fmt.Errorf("nltaskstats: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nltaskstats: setsockopt SO_RCVBUF: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nltaskstats: bind: %w", err)
	}

	c := &Channel{fd: fd}

	famID, err := c.resolveFamily()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	cpuDef := fmt.Sprintf("0-%d", numCPU()-1)
	if err := c.sendCmd(famID, taskstatsCmdGet, taskstatsCmdAttrRegisterCPUMask, []byte(cpuDef+"\x00")); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nltaskstats: register cpumask: %w", err)
	}
	return c, nil
}

// Close releases the underlying socket.
func (c *Channel) Close() error { return unix.Close(c.fd) }

// nlattr returns a single netlink attribute TLV, 4-byte aligned.
func nlattr(attrType uint16, data []byte) []byte {
	l := nlaHdrLen + len(data)
	buf := make([]byte, align4(l))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(l))
	binary.LittleEndian.PutUint16(buf[2:4], attrType)
	copy(buf[4:], data)
	return buf
}

func align4(n int) int { return (n + 3) &^ 3 }

// sendCmd assembles and sends a generic-netlink request: an nlmsghdr, a
// genlmsghdr, and a single attribute.
func (c *Channel) sendCmd(nlmsgType uint16, genlCmd uint8, attrType uint16, attrData []byte) error {
	attr := nlattr(attrType, attrData)
	totalLen := nlmsgHdrLen + genlHdrLen + len(attr)

	buf := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], nlmsgType)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST)
	binary.LittleEndian.PutUint32(buf[8:12], 0) // seq
	binary.LittleEndian.PutUint32(buf[12:16], uint32(os.Getpid()))
	buf[16] = genlCmd
	buf[17] = 0x1 // genl version
	copy(buf[nlmsgHdrLen+genlHdrLen:], attr)

	return unix.Sendto(c.fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

// resolveFamily asks the generic-netlink controller for the numeric
// family id assigned to TASKSTATS on this kernel.
func (c *Channel) resolveFamily() (uint16, error) {
	if err := c.sendCmd(genlIDCtrl, ctrlCmdGetFamily, ctrlAttrFamName, []byte(taskstatsGenlName+"\x00")); err != nil {
		return 0, fmt.Errorf("nltaskstats: request family id: %w", err)
	}

	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		return 0, fmt.Errorf("nltaskstats: receive family id: %w", err)
	}
	if n < nlmsgHdrLen+genlHdrLen {
		return 0, errors.New("nltaskstats: short family response")
	}

	payload := buf[nlmsgHdrLen+genlHdrLen : n]
	for off := 0; off+nlaHdrLen <= len(payload); {
		alen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
		atype := binary.LittleEndian.Uint16(payload[off+2 : off+4])
		if alen < nlaHdrLen || off+alen > len(payload) {
			break
		}
		if atype == ctrlAttrFamilyID {
			return binary.LittleEndian.Uint16(payload[off+nlaHdrLen : off+nlaHdrLen+2]), nil
		}
		off += align4(alen)
	}
	return 0, errors.New("nltaskstats: family id attribute not found")
}

// Wait blocks until a TASKSTATS notification arrives, the socket reports
// a non-transient error, or ctx is found cancelled. Transient errors
// (EINTR/ENOMEM/ENOBUFS) are simply retried. ctx is checked only before
// each receive; a receive that is already blocked is not interrupted by
// cancellation. The notification payload itself is discarded.
func (c *Channel) Wait(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, err := unix.Recvfrom(c.fd, buf, 0)
		if err == nil {
			return nil
		}
		switch err {
		case unix.EINTR, unix.ENOMEM, unix.ENOBUFS:
			continue
		default:
			return fmt.Errorf("nltaskstats: recv: %w", err)
		}
	}
}

// numCPU mirrors the reference's /proc/stat scan: the highest "cpuN"
// label seen, plus one. runtime.NumCPU reports the scheduler's usable
// set, which can differ from the kernel's highest cpu index on systems
// with offline CPUs, so this keeps the original's approach rather than
// substituting runtime.NumCPU.
func numCPU() int {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 1
	}
	max := -1
	for _, line := range splitLines(data) {
		if len(line) < 4 || line[0:3] != "cpu" {
			if len(line) >= 3 && line[0:3] == "int" {
				break
			}
			continue
		}
		n := 0
		hasDigit := false
		for _, ch := range line[3:] {
			if ch < '0' || ch > '9' {
				break
			}
			hasDigit = true
			n = n*10 + int(ch-'0')
		}
		if hasDigit && n > max {
			max = n
		}
	}
	return max + 1
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}
