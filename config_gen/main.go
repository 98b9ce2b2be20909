/*
Package main in the directory config_gen implements a tool to read
configuration from a template, and generate customized configuration files
for each node. The generated configuration file particularly contains the
ED25519 and BLS keys.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/kauribft/kauri/sign"
)

func main() {
	viperRead := viper.New()

	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	if err := viperRead.ReadInConfig(); err != nil {
		panic(err)
	}

	// deal with the cluster as a string map
	clusterMapInterface := viperRead.GetStringMap("cluster_ips")
	nodeNumber := len(clusterMapInterface)
	clusterMapString := make(map[string]string, nodeNumber)
	for name, addr := range clusterMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("cluster_ips in the template cannot be decoded correctly")
		}
		clusterMapString[name] = addrAsString
	}

	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("peers_p2p_port does not match with cluster_ips")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	rpcPortMap := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		portAsInterface, ok := p2pPortMapInterface[name]
		if !ok {
			panic("peers_p2p_port does not match with cluster_ips")
		}
		portAsInt, ok := portAsInterface.(int)
		if !ok {
			panic("peers_p2p_port contains a non-int value")
		}
		p2pPortMap[name] = portAsInt
		rpcPortMap[name] = portAsInt - 2000
	}

	certHashMapInterface := viperRead.GetStringMap("cluster_certhash")
	certHashMap := make(map[string]string, nodeNumber)
	for name, hash := range certHashMapInterface {
		if hashAsString, ok := hash.(string); ok {
			certHashMap[name] = hashAsString
		}
	}

	// create the ED25519 and BLS keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	privKeysBLS := make(map[string]string, nodeNumber)
	pubKeysBLS := make(map[string]string, nodeNumber)
	for i := 0; i < nodeNumber; i++ {
		name := "node" + strconv.Itoa(i)
		privKeyED, pubKeyED := sign.GenED25519Keys()
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)

		privKeyBLS, pubKeyBLS := sign.GenBLSKeys()
		privAsBytes, err := sign.EncodeBLSPrivateKey(privKeyBLS)
		if err != nil {
			panic("fail to encode the BLS private key")
		}
		pubAsBytes, err := sign.EncodeBLSPublicKey(pubKeyBLS)
		if err != nil {
			panic("fail to encode the BLS public key")
		}
		privKeysBLS[name] = hex.EncodeToString(privAsBytes)
		pubKeysBLS[name] = hex.EncodeToString(pubAsBytes)
	}

	// load simple parameters
	maxPool := viperRead.GetInt("max_pool")
	blkSize := viperRead.GetInt("blk_size")
	fanout := viperRead.GetInt("fanout")
	nWorker := viperRead.GetInt("nworker")
	logLevel := viperRead.GetInt("log_level")
	pacemaker := viperRead.GetString("pacemaker")

	// write the configure files
	for i := 0; i < nodeNumber; i++ {
		name := "node" + strconv.Itoa(i)
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", name))

		viperWrite.Set("name", name)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("peers_rpc_port", rpcPortMap)
		viperWrite.Set("cluster_ips", clusterMapString)
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("cluster_pubkeybls", pubKeysBLS)
		viperWrite.Set("cluster_certhash", certHashMap)
		viperWrite.Set("privkeyed", privKeysED25519[name])
		viperWrite.Set("privkeybls", privKeysBLS[name])
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("blk_size", blkSize)
		viperWrite.Set("fanout", fanout)
		viperWrite.Set("nworker", nWorker)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("pacemaker", pacemaker)

		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
	fmt.Printf("generated configuration for %d nodes\n", nodeNumber)
}
