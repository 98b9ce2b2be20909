package client

import (
	"bufio"
	"net"
	"reflect"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"

	"github.com/kauribft/kauri/hotstuff"
)

// Server accepts client submissions for one replica and answers each with
// the command's finality.
type Server struct {
	node     *hotstuff.Node
	listener net.Listener
	logger   hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewServer binds the submission endpoint.
func NewServer(node *hotstuff.Node, bindAddr string, logger hclog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "fail to bind the client endpoint")
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "kauri-client-srv",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return &Server{
		node:       node,
		listener:   listener,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until Close. Meant to run in its own goroutine.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
			}
			s.logger.Error("failed to accept client connection", "error", err)
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	enc := codec.NewEncoder(w, &codec.MsgpackHandle{})
	var writeLock sync.Mutex

	for {
		msgType, err := r.ReadByte()
		if err != nil {
			return
		}
		reflectedType, ok := reflectedTypesMap[msgType]
		if !ok {
			s.logger.Warn("unknown client message type", "type", msgType)
			return
		}
		msgBody := reflect.Zero(reflectedType).Interface()
		if err := dec.Decode(&msgBody); err != nil {
			s.logger.Error("failed to decode client message", "error", err)
			return
		}
		req, ok := msgBody.(CmdRequest)
		if !ok {
			s.logger.Warn("unexpected client message", "type", msgType)
			continue
		}

		s.node.ExecCommand(req.CmdHash, func(fin *hotstuff.Finality) {
			reply := CmdReply{
				ReplicaID: fin.ReplicaID,
				Decision:  fin.Decision,
				CmdIdx:    fin.CmdIdx,
				BlkHeight: fin.BlkHeight,
				CmdHash:   fin.CmdHash,
				BlkHash:   fin.BlkHash,
			}
			writeLock.Lock()
			defer writeLock.Unlock()
			if err := w.WriteByte(CmdReplyTag); err != nil {
				return
			}
			if err := enc.Encode(reply); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				s.logger.Error("failed to flush client reply", "error", err)
			}
		})
	}
}

// Close stops the server.
func (s *Server) Close() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if !s.shutdown {
		close(s.shutdownCh)
		s.shutdown = true
		return s.listener.Close()
	}
	return nil
}
