/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3"

	"github.com/kauribft/kauri/sign"
)

// Config defines a type to describe the configuration of one replica.
type Config struct {
	Name                 string
	MaxPool              int
	ClusterAddr          map[string]string // map from name to address
	ClusterPort          map[string]int    // map from name to p2p port
	ClusterAddrWithPorts map[string]uint8  // map from addr:port to replica id
	RPCPort              map[string]int    // map from name to client submission port

	PublicKeyMap map[string]ed25519.PublicKey
	PrivateKey   ed25519.PrivateKey

	BlsPubKeyMap  map[string]kyber.Point
	BlsPrivateKey kyber.Scalar

	// TLSCertHashMap whitelists the certificate hash of every replica for the
	// outer TLS layer, keyed by replica name.
	TLSCertHashMap map[string]string

	LogLevel  int
	Fanout    int
	BlkSize   int
	NWorker   int
	Pacemaker string
	IsFaulty  bool
}

// New creates a new variable of type Config for test
func New(name string, maxPool int, clusterAddr map[string]string, clusterPort map[string]int,
	rpcPort map[string]int, clusterAddrWithPorts map[string]uint8,
	publicKeyMap map[string]ed25519.PublicKey, privateKey ed25519.PrivateKey,
	blsPubKeyMap map[string]kyber.Point, blsPrivateKey kyber.Scalar,
	logLevel, fanout, blkSize, nWorker int) *Config {
	return &Config{
		Name:                 name,
		MaxPool:              maxPool,
		ClusterAddr:          clusterAddr,
		ClusterPort:          clusterPort,
		RPCPort:              rpcPort,
		ClusterAddrWithPorts: clusterAddrWithPorts,
		PublicKeyMap:         publicKeyMap,
		PrivateKey:           privateKey,
		BlsPubKeyMap:         blsPubKeyMap,
		BlsPrivateKey:        blsPrivateKey,
		TLSCertHashMap:       make(map[string]string),
		LogLevel:             logLevel,
		Fanout:               fanout,
		BlkSize:              blkSize,
		NWorker:              nWorker,
		Pacemaker:            "static",
	}
}

// ReplicaID parses the numeric id out of a replica name ("node3" -> 3).
func ReplicaID(name string) (uint8, error) {
	rn := []rune(name)
	if len(rn) < 5 {
		return 0, errors.Errorf("replica name %q is too short", name)
	}
	id, err := strconv.Atoi(string(rn[4:]))
	if err != nil {
		return 0, errors.Wrapf(err, "replica name %q has no numeric suffix", name)
	}
	return uint8(id), nil
}

// ReplicaName is the inverse of ReplicaID.
func ReplicaName(id uint8) string {
	return "node" + strconv.Itoa(int(id))
}

// ID returns the replica id of this node.
func (c *Config) ID() uint8 {
	id, err := ReplicaID(c.Name)
	if err != nil {
		panic(err)
	}
	return id
}

// N returns the cluster size.
func (c *Config) N() int {
	return len(c.ClusterAddr)
}

// AddrWithPortOfID returns the dialable p2p address of a replica.
func (c *Config) AddrWithPortOfID(id uint8) string {
	name := ReplicaName(id)
	return c.ClusterAddr[name] + ":" + strconv.Itoa(c.ClusterPort[name])
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyEDAsString := viperConfig.GetString("privkeyed")
	privKeyED, err := hex.DecodeString(privKeyEDAsString)
	if err != nil {
		return nil, err
	}

	blsPrivAsString := viperConfig.GetString("privkeybls")
	blsPrivAsBytes, err := hex.DecodeString(blsPrivAsString)
	if err != nil {
		return nil, err
	}
	blsPriv, err := sign.DecodeBLSPrivateKey(blsPrivAsBytes)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:          viperConfig.GetString("name"),
		MaxPool:       viperConfig.GetInt("max_pool"),
		PrivateKey:    privKeyED,
		BlsPrivateKey: blsPriv,
		LogLevel:      viperConfig.GetInt("log_level"),
		Fanout:        viperConfig.GetInt("fanout"),
		BlkSize:       viperConfig.GetInt("blk_size"),
		NWorker:       viperConfig.GetInt("nworker"),
		Pacemaker:     viperConfig.GetString("pacemaker"),
		IsFaulty:      viperConfig.GetBool("is_faulty"),
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersRPCPortMapString := viperConfig.GetStringMap("peers_rpc_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	blsPubKeyMapString := viperConfig.GetStringMap("cluster_pubkeybls")
	certHashMapString := viperConfig.GetStringMap("cluster_certhash")

	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	blsPubKeyMap := make(map[string]kyber.Point, len(blsPubKeyMapString))
	certHashMap := make(map[string]string, len(certHashMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	rpcPort := make(map[string]int, len(pubKeyMapString))
	clusterAddrWithPorts := make(map[string]uint8, len(pubKeyMapString))

	for name, pkAsInterface := range pubKeyMapString {
		port, ok := peersP2PPortMapString[name].(int)
		if !ok {
			return nil, errors.Errorf("p2p port of %s cannot be decoded", name)
		}
		addr, ok := peersIPsMapString[name].(string)
		if !ok {
			return nil, errors.Errorf("address of %s cannot be decoded", name)
		}
		clusterPort[name] = port
		clusterAddr[name] = addr
		if rp, ok := peersRPCPortMapString[name].(int); ok {
			rpcPort[name] = rp
		}

		pkAsString, ok := pkAsInterface.(string)
		if !ok {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, err
		}
		pubKeyMap[name] = pubKey

		blsAsString, ok := blsPubKeyMapString[name].(string)
		if !ok {
			return nil, errors.Errorf("BLS public key of %s cannot be decoded", name)
		}
		blsAsBytes, err := hex.DecodeString(blsAsString)
		if err != nil {
			return nil, err
		}
		blsPub, err := sign.DecodeBLSPublicKey(blsAsBytes)
		if err != nil {
			return nil, err
		}
		blsPubKeyMap[name] = blsPub

		if certAsString, ok := certHashMapString[name].(string); ok {
			certHashMap[name] = certAsString
		}

		id, err := ReplicaID(name)
		if err != nil {
			return nil, err
		}
		clusterAddrWithPorts[addr+":"+strconv.Itoa(port)] = id
	}

	conf.PublicKeyMap = pubKeyMap
	conf.BlsPubKeyMap = blsPubKeyMap
	conf.TLSCertHashMap = certHashMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	conf.RPCPort = rpcPort
	conf.ClusterAddrWithPorts = clusterAddrWithPorts
	return conf, nil
}
