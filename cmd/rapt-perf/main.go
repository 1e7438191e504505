package main

import (
	"context"
	"flag"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/gops/agent"
	"github.com/vharitonsky/iniflags"
	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"

	"github.com/rapt-net/rapt/libs/raptconn"
)

var flagClient string
var flagServer string
var flagConv uint
var flagDataShards int
var flagParityShards int
var flagLimit int

func main() {
	flag.StringVar(&flagClient, "c", "", "connect to a server at this address")
	flag.StringVar(&flagServer, "s", "", "serve on this address")
	flag.UintVar(&flagConv, "conv", 1, "conversation ID (same on both ends)")
	flag.IntVar(&flagDataShards, "fec-data", 0, "FEC data shards (0 disables FEC)")
	flag.IntVar(&flagParityShards, "fec-parity", 0, "FEC parity shards")
	flag.IntVar(&flagLimit, "l", -1, "server send limit in KiB/s")
	iniflags.Parse()

	if err := agent.Listen(agent.Options{}); err != nil {
		log.Warnln("gops agent:", err)
	}

	if flagClient == "" && flagServer == "" {
		log.Fatal("must give -c or -s")
	}
	if flagClient != "" && flagServer != "" {
		log.Fatal("cannot give both -c and -s")
	}
	if flagServer != "" {
		mainServer(flagServer)
	}
	if flagClient != "" {
		mainClient(flagClient)
	}
}

func tune(s *raptconn.UDPSession) {
	s.SetWindowSize(4096, 4096)
	s.SetNoDelay(1, 10, 2, 1)
	s.SetStreamMode(true)
	s.SetMtu(1200)
}

func mainServer(listen string) {
	listener, err := raptconn.ListenWithOptions(listen, uint32(flagConv), flagDataShards, flagParityShards)
	if err != nil {
		log.Fatal(err)
	}
	log.Infoln("perf server on", listener.Addr())
	var limiter *rate.Limiter
	if flagLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(flagLimit*1024), 1024*1024)
	}
	for {
		client, err := listener.AcceptRapt()
		if err != nil {
			log.Fatal(err)
		}
		log.Infoln("accepted client from", client.RemoteAddr())
		tune(client)
		go func() {
			defer client.Close()
			buf := make([]byte, 5)
			if _, err := io.ReadFull(client, buf); err != nil {
				return
			}
			block := make([]byte, 65536)
			for {
				if limiter != nil {
					limiter.WaitN(context.Background(), len(block))
				}
				if _, err := client.Write(block); err != nil {
					return
				}
			}
		}()
	}
}

func mainClient(dialto string) {
	remote, err := raptconn.DialWithOptions(dialto, uint32(flagConv), flagDataShards, flagParityShards)
	if err != nil {
		log.Fatal(err)
	}
	defer remote.Close()
	tune(remote)
	if _, err := remote.Write([]byte("HELLO")); err != nil {
		log.Fatal(err)
	}

	var kbs uint64
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := io.ReadFull(remote, buf); err != nil {
				log.Fatal(err)
			}
			atomic.AddUint64(&kbs, 1)
		}
	}()
	last := uint64(0)
	for {
		time.Sleep(time.Second)
		rn := atomic.LoadUint64(&kbs)
		snmp := raptconn.DefaultSnmp.Copy()
		log.WithFields(log.Fields{
			"inPkts":       snmp.InPkts,
			"fecRecovered": snmp.FECRecovered,
		}).Infoln("current speed:", rn-last, "KiB/s")
		last = rn
	}
}
