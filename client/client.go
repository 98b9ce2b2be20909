package client

import (
	"bufio"
	"net"
	"reflect"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

// Client submits command hashes to one replica and reads back finalities.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	dec  *codec.Decoder
	enc  *codec.Encoder
}

// Dial connects to a replica's submission endpoint.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to dial the replica at %s", addr)
	}
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	return &Client{
		conn: conn,
		r:    r,
		w:    w,
		dec:  codec.NewDecoder(r, &codec.MsgpackHandle{}),
		enc:  codec.NewEncoder(w, &codec.MsgpackHandle{}),
	}, nil
}

// Submit sends one command hash. The finality arrives later via ReadReply.
func (c *Client) Submit(cmdHash [32]byte) error {
	if err := c.w.WriteByte(CmdRequestTag); err != nil {
		return err
	}
	if err := c.enc.Encode(CmdRequest{CmdHash: cmdHash}); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadReply blocks until the next finality arrives on this connection.
func (c *Client) ReadReply() (*CmdReply, error) {
	msgType, err := c.r.ReadByte()
	if err != nil {
		return nil, err
	}
	reflectedType, ok := reflectedTypesMap[msgType]
	if !ok {
		return nil, errors.Errorf("unknown reply type %d", msgType)
	}
	msgBody := reflect.Zero(reflectedType).Interface()
	if err := c.dec.Decode(&msgBody); err != nil {
		return nil, err
	}
	reply, ok := msgBody.(CmdReply)
	if !ok {
		return nil, errors.Errorf("unexpected message of type %d", msgType)
	}
	return &reply, nil
}

// SubmitWait submits and blocks until the matching finality arrives.
func (c *Client) SubmitWait(cmdHash [32]byte) (*CmdReply, error) {
	if err := c.Submit(cmdHash); err != nil {
		return nil, err
	}
	for {
		reply, err := c.ReadReply()
		if err != nil {
			return nil, err
		}
		if reply.CmdHash == cmdHash {
			return reply, nil
		}
	}
}

// Close shuts the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}
