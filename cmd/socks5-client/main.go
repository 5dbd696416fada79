package main

import (
	"flag"
	"log"
	"net"
	"time"

	"github.com/rufengx/socks5proxy/socks5"
)

func main() {
	var (
		proxyAddr = flag.String("proxy", "127.0.0.1:1080", "SOCKS5 proxy address")
		target    = flag.String("target", "example.com:80", "target host:port to CONNECT to through the proxy")
	)
	flag.Parse()

	host, portStr, err := net.SplitHostPort(*target)
	if err != nil {
		log.Fatal(err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		log.Fatal(err)
	}

	conn, err := net.Dial("tcp", *proxyAddr)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	bound, err := socks5.Connect(conn, host, port, 10*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("connected via proxy, bound address: %s", bound.String())
}

func parsePort(s string) (uint16, error) {
	var port uint16
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, net.InvalidAddrError("invalid port")
		}
		port = port*10 + uint16(c-'0')
	}
	return port, nil
}
