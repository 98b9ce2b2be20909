package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kauribft/kauri/client"
	"github.com/kauribft/kauri/config"
	"github.com/kauribft/kauri/hotstuff"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	var pmaker hotstuff.Pacemaker
	switch conf.Pacemaker {
	case "", "static":
		pmaker = hotstuff.NewStaticPacemaker()
	case "round-robin":
		pmaker = hotstuff.NewRoundRobinPacemaker()
	default:
		panic(errors.New("the pacemaker is unknown"))
	}

	node, err := hotstuff.NewNode(conf, pmaker)
	if err != nil {
		panic(err)
	}
	if err = node.StartP2PListen(); err != nil {
		panic(err)
	}
	// wait for each node to start
	time.Sleep(time.Second * 15)
	if err = node.EstablishP2PConns(); err != nil {
		panic(err)
	}
	node.Start()

	srv, err := client.NewServer(node, ":"+strconv.Itoa(conf.RPCPort[conf.Name]), nil)
	if err != nil {
		panic(err)
	}
	go srv.Serve()

	fmt.Println("node starts the replication engine!")
	panic(<-node.Fatal())
}
