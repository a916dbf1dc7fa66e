package handshakers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/logger"
)

const (
	// PreambleMagic identifies a wshandshake preamble frame
	PreambleMagic = "wshandshake"

	// PreambleVersion is the protocol major version spoken by this package
	PreambleVersion = 1

	// MaxPreambleSize bounds the encoded size of a peer's preamble
	MaxPreambleSize = 4096

	// ConfigKeyPeerRole records the role announced by the peer
	ConfigKeyPeerRole = "preamble.peer_role"

	// ConfigKeyPeerVersion records the version announced by the peer
	ConfigKeyPeerVersion = "preamble.peer_version"

	preambleReadChunk = 512
)

// Role is the side of the connection a preamble speaks for
type Role string

const (
	// RoleClient is the connecting side
	RoleClient Role = "client"

	// RoleServer is the accepting side
	RoleServer Role = "server"
)

func (r Role) peer() Role {
	if r == RoleClient {
		return RoleServer
	}
	return RoleClient
}

var (
	// ErrPreambleMagic is returned when the peer's frame is not a preamble
	ErrPreambleMagic = errors.New("preamble: bad magic")

	// ErrPreambleVersion is returned when the peer speaks another major version
	ErrPreambleVersion = errors.New("preamble: unsupported version")

	// ErrPreambleRole is returned when both sides claim the same role
	ErrPreambleRole = errors.New("preamble: unexpected peer role")

	// ErrPreambleTooLarge is returned when the peer's frame exceeds MaxPreambleSize
	ErrPreambleTooLarge = errors.New("preamble: frame too large")
)

// Preamble exchanges one protocol preamble frame in each direction. A frame
// is a protobuf Struct {magic, version, role} prefixed with its varint
// encoded length. Bytes read past the peer's frame are left in
// Args.ReadBuffer for the next handshaker.
type Preamble struct {
	step
	role Role
}

// NewPreamble creates a Preamble handshaker speaking for role
func NewPreamble(lg logger.Logger, role Role) *Preamble {
	h := &Preamble{role: role}
	h.initStep(lg, "preamble-"+string(role))
	return h
}

// Start implements handshake.Handshaker
func (h *Preamble) Start(acceptor *handshake.Acceptor, args *handshake.Args, done handshake.DoneFunc) {
	h.run(args, done, h.exchange)
}

func (h *Preamble) exchange(ctx context.Context, args *handshake.Args) error {
	frame, err := encodePreamble(h.role)
	if err != nil {
		return err
	}

	// Written concurrently with the read so that synchronous transports
	// cannot deadlock with both sides writing first.
	writeErr := make(chan error, 1)
	go func() {
		_, err := args.Endpoint.Write(frame)
		writeErr <- err
	}()

	peer, leftover, err := readPreamble(pendingReader(args))
	if err != nil {
		// Unblocks the writer
		if derr := args.Endpoint.SetDeadline(aLongTimeAgo); derr != nil {
			h.DLogf("Forcing deadline failed, ignoring: %s", derr)
		}
		<-writeErr
		return err
	}
	if err := <-writeErr; err != nil {
		return fmt.Errorf("write preamble: %w", err)
	}
	// Anything still buffered from an earlier handshaker follows the bytes
	// read past the frame.
	if args.ReadBuffer.Len() > 0 {
		leftover = append(leftover, args.ReadBuffer.Bytes()...)
		args.ReadBuffer.Reset()
	}
	args.ReadBuffer.Write(leftover)

	if err := h.validate(peer); err != nil {
		return err
	}
	args.Config[ConfigKeyPeerRole] = peer.GetFields()["role"].GetStringValue()
	args.Config[ConfigKeyPeerVersion] = int(peer.GetFields()["version"].GetNumberValue())
	h.DLogf("Peer preamble accepted, %d bytes pending", args.ReadBuffer.Len())
	return nil
}

func (h *Preamble) validate(peer *structpb.Struct) error {
	fields := peer.GetFields()
	if fields["magic"].GetStringValue() != PreambleMagic {
		return ErrPreambleMagic
	}
	if v := int(fields["version"].GetNumberValue()); v != PreambleVersion {
		return fmt.Errorf("%w: %d", ErrPreambleVersion, v)
	}
	if r := Role(fields["role"].GetStringValue()); r != h.role.peer() {
		return fmt.Errorf("%w: %q", ErrPreambleRole, r)
	}
	return nil
}

func encodePreamble(role Role) ([]byte, error) {
	msg := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"magic":   {Kind: &structpb.Value_StringValue{StringValue: PreambleMagic}},
			"version": {Kind: &structpb.Value_NumberValue{NumberValue: PreambleVersion}},
			"role":    {Kind: &structpb.Value_StringValue{StringValue: string(role)}},
		},
	}
	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode preamble: %w", err)
	}
	return append(proto.EncodeVarint(uint64(len(body))), body...), nil
}

// readPreamble reads one length-prefixed frame from r. It returns the
// decoded frame and any bytes read beyond it.
func readPreamble(r io.Reader) (*structpb.Struct, []byte, error) {
	var buf []byte
	chunk := make([]byte, preambleReadChunk)
	for {
		if size, n := proto.DecodeVarint(buf); n > 0 {
			if size > MaxPreambleSize {
				return nil, nil, ErrPreambleTooLarge
			}
			end := n + int(size)
			if len(buf) >= end {
				msg := &structpb.Struct{}
				if err := proto.Unmarshal(buf[n:end], msg); err != nil {
					return nil, nil, fmt.Errorf("decode preamble: %w", err)
				}
				return msg, append([]byte(nil), buf[end:]...), nil
			}
		} else if len(buf) >= 10 {
			return nil, nil, ErrPreambleTooLarge
		}

		nr, err := r.Read(chunk)
		buf = append(buf, chunk[:nr]...)
		if err != nil {
			if err == io.EOF && nr > 0 {
				continue
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, nil, fmt.Errorf("read preamble: %w", err)
		}
	}
}
