package main

import (
	"flag"
	"io"
	"os"

	"github.com/vharitonsky/iniflags"
	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"

	"github.com/rapt-net/rapt/libs/cwl"
	"github.com/rapt-net/rapt/libs/raptmux"
)

var flagClient string
var flagServer string
var flagConv uint
var flagLimit int

func main() {
	flag.StringVar(&flagClient, "c", "", "connect to an echo server at this address")
	flag.StringVar(&flagServer, "s", "", "serve echo on this address")
	flag.UintVar(&flagConv, "conv", 1, "conversation ID (same on both ends)")
	flag.IntVar(&flagLimit, "l", -1, "per-stream echo limit in KiB/s")
	iniflags.Parse()

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

func mainServer(listen string) {
	listener, err := raptmux.Listen(listen, uint32(flagConv))
	if err != nil {
		log.Fatal(err)
	}
	log.Infoln("echo server on", listener.Addr())
	for {
		stream, err := listener.Accept()
		if err != nil {
			log.Fatal(err)
		}
		go func() {
			defer stream.Close()
			var limiter *rate.Limiter
			if flagLimit > 0 {
				limiter = rate.NewLimiter(rate.Limit(flagLimit*1024), 64*1024)
			}
			n, err := cwl.CopyWithLimit(stream, stream, limiter, nil)
			log.Infoln("stream done after", n, "bytes:", err)
		}()
	}
}

func mainClient(dialto string) {
	stream, err := raptmux.Dial(dialto, uint32(flagConv))
	if err != nil {
		log.Fatal(err)
	}
	defer stream.Close()
	go func() {
		if _, err := io.Copy(stream, os.Stdin); err != nil {
			log.Fatal(err)
		}
		stream.Close()
	}()
	if _, err := io.Copy(os.Stdout, stream); err != nil && err != io.EOF {
		log.Fatal(err)
	}
}
