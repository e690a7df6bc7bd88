package fds

import (
	"golang.org/x/sys/unix"

	"github.com/jart/goblink/defs"
	"github.com/jart/goblink/util"
)

/// Guest control-message constants.
const (
	SOL_SOCKET_LINUX      = 1
	SCM_RIGHTS_LINUX      = 1
	SCM_CREDENTIALS_LINUX = 2
	MSG_CTRUNC_LINUX      = 8
)

// guest struct cmsghdr: u64 len, i32 level, i32 type, data
const cmsgHdrSize = 16

func cmsgAlign(n int) int {
	return util.Roundup(n, 8)
}

/// Ucred_t is the guest struct ucred.
type Ucred_t struct {
	Pid int32
	Uid uint32
	Gid uint32
}

/// SendAncillary fans guest control messages out into host cmsgs for a
/// sendmsg on a UNIX socket. Guest fd numbers are translated to host
/// descriptors through the table. control holds the raw bytes of the
/// guest control area.
func (ft *Fdtab_t) SendAncillary(control []uint8) ([]uint8, defs.Err_t) {
	var out []uint8
	for len(control) >= cmsgHdrSize {
		clen := int(util.Read64(control))
		level := int32(util.Read32(control[8:]))
		typ := int32(util.Read32(control[12:]))
		if clen < cmsgHdrSize || clen > len(control) {
			return nil, -defs.EINVAL
		}
		data := control[cmsgHdrSize:clen]
		if level != SOL_SOCKET_LINUX {
			return nil, -defs.EINVAL
		}
		switch typ {
		case SCM_RIGHTS_LINUX:
			var hostfds []int
			for len(data) >= 4 {
				guestfd := int(int32(util.Read32(data)))
				fd := ft.GetFd(guestfd)
				if fd == nil {
					return nil, -defs.EBADF
				}
				hostfds = append(hostfds, fd.Systemfd)
				data = data[4:]
			}
			out = append(out, unix.UnixRights(hostfds...)...)
		case SCM_CREDENTIALS_LINUX:
			if len(data) < 12 {
				return nil, -defs.EINVAL
			}
			cred := unix.Ucred{
				Pid: int32(util.Read32(data)),
				Uid: util.Read32(data[4:]),
				Gid: util.Read32(data[8:]),
			}
			out = append(out, unix.UnixCredentials(&cred)...)
		default:
			return nil, -defs.EINVAL
		}
		next := cmsgAlign(clen)
		if next > len(control) {
			// last message; its padding isn't part of the buffer
			break
		}
		control = control[next:]
	}
	return out, 0
}

/// ReceiveAncillary turns host cmsgs from a recvmsg into the guest
/// control area. Received host descriptors are installed in the table
/// and their guest numbers marshalled instead. When the guest buffer
/// can't hold everything, surplus descriptors are closed and
/// MSG_CTRUNC is raised in the returned flags.
func (ft *Fdtab_t) ReceiveAncillary(host []uint8, room int) ([]uint8, int, defs.Err_t) {
	var out []uint8
	var guestFlags int
	msgs, err := unix.ParseSocketControlMessage(host)
	if err != nil {
		return nil, 0, -defs.EINVAL
	}
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_RIGHTS:
			hostfds, err := unix.ParseUnixRights(&m)
			if err != nil {
				return nil, 0, -defs.EINVAL
			}
			var fit []int
			for _, hfd := range hostfds {
				need := cmsgAlign(len(out)) + cmsgHdrSize + (len(fit)+1)*4
				if need > room {
					guestFlags |= MSG_CTRUNC_LINUX
					unix.Close(hfd)
					continue
				}
				fd := ft.AddFd(0, hfd, unix.O_RDWR)
				fit = append(fit, fd.Fildes)
			}
			if len(fit) > 0 {
				out = appendGuestCmsg(out, SCM_RIGHTS_LINUX, func(b []uint8) int {
					for i, gfd := range fit {
						util.Write32(b[i*4:], uint32(gfd))
					}
					return len(fit) * 4
				}, len(fit)*4)
			}
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_CREDENTIALS:
			ucred, err := unix.ParseUnixCredentials(&m)
			if err != nil {
				return nil, 0, -defs.EINVAL
			}
			if cmsgAlign(len(out))+cmsgHdrSize+12 > room {
				guestFlags |= MSG_CTRUNC_LINUX
				continue
			}
			out = appendGuestCmsg(out, SCM_CREDENTIALS_LINUX, func(b []uint8) int {
				util.Write32(b, uint32(ucred.Pid))
				util.Write32(b[4:], ucred.Uid)
				util.Write32(b[8:], ucred.Gid)
				return 12
			}, 12)
		default:
			guestFlags |= MSG_CTRUNC_LINUX
		}
	}
	return out, guestFlags, 0
}

func appendGuestCmsg(out []uint8, typ int32, fill func([]uint8) int, datalen int) []uint8 {
	base := cmsgAlign(len(out))
	need := base + cmsgHdrSize + datalen
	for len(out) < need {
		out = append(out, 0)
	}
	util.Write64(out[base:], uint64(cmsgHdrSize+datalen))
	util.Write32(out[base+8:], uint32(SOL_SOCKET_LINUX))
	util.Write32(out[base+12:], uint32(typ))
	fill(out[base+cmsgHdrSize:])
	return out
}
