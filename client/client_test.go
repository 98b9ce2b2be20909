package client

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"

	"github.com/kauribft/kauri/config"
	"github.com/kauribft/kauri/hotstuff"
	"github.com/kauribft/kauri/sign"
)

func setupCluster(t *testing.T, n, basePort int) []*hotstuff.Node {
	t.Helper()

	privED := make([]ed25519.PrivateKey, n)
	privBLS := make([]kyber.Scalar, n)
	pubED := make(map[string]ed25519.PublicKey, n)
	pubBLS := make(map[string]kyber.Point, n)
	clusterAddr := make(map[string]string, n)
	clusterPort := make(map[string]int, n)
	clusterAddrWithPorts := make(map[string]uint8, n)

	for i := 0; i < n; i++ {
		name := config.ReplicaName(uint8(i))
		privED[i], pubED[name] = sign.GenED25519Keys()
		privBLS[i], pubBLS[name] = sign.GenBLSKeys()
		clusterAddr[name] = "127.0.0.1"
		clusterPort[name] = basePort + i*10
		clusterAddrWithPorts["127.0.0.1:"+strconv.Itoa(basePort+i*10)] = uint8(i)
	}

	nodes := make([]*hotstuff.Node, n)
	for i := 0; i < n; i++ {
		conf := config.New(config.ReplicaName(uint8(i)), 2, clusterAddr, clusterPort, nil,
			clusterAddrWithPorts, pubED, privED[i], pubBLS, privBLS[i], 3, 3, 1, 2)
		node, err := hotstuff.NewNode(conf, hotstuff.NewStaticPacemaker())
		require.NoError(t, err)
		require.NoError(t, node.StartP2PListen())
		nodes[i] = node
		t.Cleanup(node.Close)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, nodes[i].EstablishP2PConns())
	}
	for i := 0; i < n; i++ {
		nodes[i].Start()
	}
	return nodes
}

// Commands submitted over the RPC come back with their finality once the
// three-chain rule commits them.
func TestSubmitOverRPC(t *testing.T) {
	nodes := setupCluster(t, 4, 8500)

	srv, err := NewServer(nodes[0], "127.0.0.1:0", nil)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Close() })

	cli, err := Dial(srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	first := sha256.Sum256([]byte("rpc-cmd-0"))
	require.NoError(t, cli.Submit(first))
	for i := 1; i < 5; i++ {
		require.NoError(t, cli.Submit(sha256.Sum256([]byte(fmt.Sprintf("rpc-cmd-%d", i)))))
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "the first command never committed")
		reply, err := cli.ReadReply()
		require.NoError(t, err)
		if reply.CmdHash == first {
			assert.Equal(t, int8(1), reply.Decision)
			assert.Equal(t, uint32(1), reply.BlkHeight)
			break
		}
	}
}

// A duplicate of an already-decided command answers from the cache.
func TestResubmitDecidedCommand(t *testing.T) {
	nodes := setupCluster(t, 4, 8600)

	srv, err := NewServer(nodes[0], "127.0.0.1:0", nil)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Close() })

	cli, err := Dial(srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	first := sha256.Sum256([]byte("cache-cmd-0"))
	require.NoError(t, cli.Submit(first))
	for i := 1; i < 5; i++ {
		require.NoError(t, cli.Submit(sha256.Sum256([]byte(fmt.Sprintf("cache-cmd-%d", i)))))
	}

	// wait for the command to commit
	for {
		reply, err := cli.ReadReply()
		require.NoError(t, err)
		if reply.CmdHash == first && reply.Decision == 1 {
			break
		}
	}

	// the resubmission answers from the decided-command cache
	reply, err := cli.SubmitWait(first)
	require.NoError(t, err)
	require.Equal(t, first, reply.CmdHash)
	assert.Equal(t, int8(1), reply.Decision)
	assert.Equal(t, uint32(1), reply.BlkHeight)
}
