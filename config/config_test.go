package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"

	"github.com/kauribft/kauri/sign"
)

func TestReplicaNaming(t *testing.T) {
	id, err := ReplicaID("node7")
	require.NoError(t, err)
	assert.Equal(t, uint8(7), id)

	assert.Equal(t, "node7", ReplicaName(7))

	_, err = ReplicaID("x")
	require.Error(t, err)
	_, err = ReplicaID("nodeX")
	require.Error(t, err)
}

func TestConfigHelpers(t *testing.T) {
	clusterAddr := map[string]string{"node0": "10.0.0.1", "node1": "10.0.0.2"}
	clusterPort := map[string]int{"node0": 8000, "node1": 8010}
	conf := New("node1", 4, clusterAddr, clusterPort, nil, nil,
		nil, nil, nil, nil, 3, 3, 10, 2)

	assert.Equal(t, uint8(1), conf.ID())
	assert.Equal(t, 2, conf.N())
	assert.Equal(t, "10.0.0.2:8010", conf.AddrWithPortOfID(1))
	assert.Equal(t, "10.0.0.1:8000", conf.AddrWithPortOfID(0))
}

// a written configuration file loads back with the key material intact
func TestConfigRoundtrip(t *testing.T) {
	const n = 4
	dir := t.TempDir()

	ips := make(map[string]string, n)
	p2pPorts := make(map[string]int, n)
	rpcPorts := make(map[string]int, n)
	pubED := make(map[string]string, n)
	pubBLS := make(map[string]string, n)
	privED := make([]ed25519.PrivateKey, n)
	privBLS := make([]kyber.Scalar, n)

	for i := 0; i < n; i++ {
		name := ReplicaName(uint8(i))
		ips[name] = "127.0.0.1"
		p2pPorts[name] = 8000 + i*10
		rpcPorts[name] = 6000 + i*10

		priv, pub := sign.GenED25519Keys()
		privED[i] = priv
		pubED[name] = hex.EncodeToString(pub)

		privB, pubB := sign.GenBLSKeys()
		privBLS[i] = privB
		pubAsBytes, err := sign.EncodeBLSPublicKey(pubB)
		require.NoError(t, err)
		pubBLS[name] = hex.EncodeToString(pubAsBytes)
	}

	privBLSBytes, err := sign.EncodeBLSPrivateKey(privBLS[2])
	require.NoError(t, err)

	w := viper.New()
	w.SetConfigFile(filepath.Join(dir, "node2.yaml"))
	w.Set("name", "node2")
	w.Set("cluster_ips", ips)
	w.Set("peers_p2p_port", p2pPorts)
	w.Set("peers_rpc_port", rpcPorts)
	w.Set("cluster_pubkeyed", pubED)
	w.Set("cluster_pubkeybls", pubBLS)
	w.Set("privkeyed", hex.EncodeToString(privED[2]))
	w.Set("privkeybls", hex.EncodeToString(privBLSBytes))
	w.Set("max_pool", 4)
	w.Set("blk_size", 16)
	w.Set("fanout", 3)
	w.Set("nworker", 2)
	w.Set("log_level", 3)
	w.Set("pacemaker", "static")
	require.NoError(t, w.WriteConfig())

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	conf, err := LoadConfig("", "node2")
	require.NoError(t, err)

	assert.Equal(t, "node2", conf.Name)
	assert.Equal(t, uint8(2), conf.ID())
	assert.Equal(t, n, conf.N())
	assert.Equal(t, 16, conf.BlkSize)
	assert.Equal(t, 3, conf.Fanout)
	assert.Equal(t, 2, conf.NWorker)
	assert.Equal(t, "static", conf.Pacemaker)
	assert.True(t, conf.BlsPrivateKey.Equal(privBLS[2]))
	for i := 0; i < n; i++ {
		name := ReplicaName(uint8(i))
		assert.Equal(t, "127.0.0.1:"+strconv.Itoa(8000+i*10), conf.AddrWithPortOfID(uint8(i)))
		assert.NotNil(t, conf.BlsPubKeyMap[name])
		assert.Len(t, []byte(conf.PublicKeyMap[name]), ed25519.PublicKeySize)
	}
}
