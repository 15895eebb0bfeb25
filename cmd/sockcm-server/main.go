// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command sockcm-server pairs a sockcm CEP listener (the control-plane
// gate, authenticating agents via an HMAC over the shared secret) with a
// KCP+smux data-plane listener bridging into a fixed TCP/UNIX target --
// the server-side counterpart of sockcm-agent.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"github.com/xtaci/sockcm"
	"github.com/xtaci/sockcm/cep"
	"github.com/xtaci/sockcm/manager"
	"github.com/xtaci/sockcm/transport"
	"github.com/xtaci/tcpraw"
)

const (
	targetUnix = iota
	targetTCP
)

var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "sockcm-server"
	myApp.Usage = "CEP-gated tunnel server (with SMUX)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "controladdr", Value: ":29901", Usage: "sockcm control-plane listen address (CEP handshake)"},
		cli.StringFlag{Name: "listen,l", Value: ":29900-29905", Usage: `kcp data-plane listen address, eg "IP:29900" or "IP:minport-maxport"`},
		cli.StringFlag{Name: "target,t", Value: "127.0.0.1:12948", Usage: "target server address, or path/to/unix_socket"},
		cli.StringFlag{Name: "key", Value: "it's a secrect", Usage: "pre-shared secret between agent and server", EnvVar: "SOCKCM_KEY"},
		cli.StringFlag{Name: "crypt", Value: "aes", Usage: "aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null"},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal, manual"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit for UDP packets"},
		cli.IntFlag{Name: "sndwnd", Value: 1024, Usage: "send window size (num of packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 1024, Usage: "receive window size (num of packets)"},
		cli.IntFlag{Name: "datashard,ds", Value: 10, Usage: "reed-solomon erasure coding - datashard"},
		cli.IntFlag{Name: "parityshard,ps", Value: 3, Usage: "reed-solomon erasure coding - parityshard"},
		cli.IntFlag{Name: "dscp", Value: 0, Usage: "DSCP (6bit)"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable compression"},
		cli.BoolFlag{Name: "acknodelay", Hidden: true},
		cli.IntFlag{Name: "nodelay", Hidden: true},
		cli.IntFlag{Name: "interval", Value: 50, Hidden: true},
		cli.IntFlag{Name: "resend", Hidden: true},
		cli.IntFlag{Name: "nc", Hidden: true},
		cli.IntFlag{Name: "sockbuf", Value: 4194304, Usage: "per-socket buffer in bytes"},
		cli.IntFlag{Name: "smuxver", Value: 2, Usage: "smux protocol version, 1 or 2"},
		cli.IntFlag{Name: "smuxbuf", Value: 4194304, Usage: "overall de-mux buffer in bytes"},
		cli.IntFlag{Name: "framesize", Value: 8192, Usage: "smux max frame size"},
		cli.IntFlag{Name: "streambuf", Value: 2097152, Usage: "per-stream receive buffer, smux v2+"},
		cli.IntFlag{Name: "keepalive", Value: 10, Usage: "seconds between smux heartbeats"},
		cli.IntFlag{Name: "privdatalen", Value: 64, Usage: "CEP private-data frame capacity in bytes"},
		cli.IntFlag{Name: "syncnt", Value: 0, Usage: "TCP_SYNCNT override for the control listener, 0 to leave at system default"},
		cli.StringFlag{Name: "snmplog", Usage: "collect snmp to file, aware of timeformat in golang, like: ./snmp-20060102.log"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "snmp collect period, in seconds"},
		cli.BoolFlag{Name: "pprof", Usage: "start profiling server on :6060"},
		cli.StringFlag{Name: "log", Usage: "specify a log file to output, default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress the 'stream open/close' messages"},
		cli.BoolFlag{Name: "tcp", Usage: "also emulate a TCP connection for the data plane (linux)"},
		cli.StringFlag{Name: "c", Usage: "config from json file, which will override the command from shell"},
	}
	myApp.Action = run
	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	config := Config{
		ControlAddr: c.String("controladdr"),
		Listen:      c.String("listen"),
		Target:      c.String("target"),
		Key:         c.String("key"),
		Crypt:       c.String("crypt"),
		Mode:        c.String("mode"),
		MTU:         c.Int("mtu"),
		SndWnd:      c.Int("sndwnd"),
		RcvWnd:      c.Int("rcvwnd"),
		DataShard:   c.Int("datashard"),
		ParityShard: c.Int("parityshard"),
		DSCP:        c.Int("dscp"),
		NoComp:      c.Bool("nocomp"),
		AckNodelay:  c.Bool("acknodelay"),
		NoDelay:     c.Int("nodelay"),
		Interval:    c.Int("interval"),
		Resend:      c.Int("resend"),
		NoCongestion: c.Int("nc"),
		SockBuf:     c.Int("sockbuf"),
		SmuxBuf:     c.Int("smuxbuf"),
		StreamBuf:   c.Int("streambuf"),
		FrameSize:   c.Int("framesize"),
		SmuxVer:     c.Int("smuxver"),
		KeepAlive:   c.Int("keepalive"),
		PrivDataLen: c.Int("privdatalen"),
		SynCnt:      c.Int("syncnt"),
		Log:         c.String("log"),
		SnmpLog:     c.String("snmplog"),
		SnmpPeriod:  c.Int("snmpperiod"),
		Pprof:       c.Bool("pprof"),
		Quiet:       c.Bool("quiet"),
		TCP:         c.Bool("tcp"),
	}

	if c.String("c") != "" {
		if err := parseJSONConfig(&config, c.String("c")); err != nil {
			return errors.Wrap(err, "parse json config")
		}
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	switch config.Mode {
	case "normal":
		config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 40, 2, 1
	case "fast":
		config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 30, 2, 1
	case "fast2":
		config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 20, 2, 1
	case "fast3":
		config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 10, 2, 1
	}

	log.Println("version:", VERSION)
	log.Println("control address:", config.ControlAddr)
	log.Println("listen:", config.Listen)
	log.Println("target:", config.Target)
	log.Println("encryption:", config.Crypt)

	key := transport.DeriveKey(config.Key)
	block, effectiveCrypt := transport.SelectBlockCrypt(config.Crypt, key)
	config.Crypt = effectiveCrypt

	go transport.RunSnmpLogger(config.SnmpLog, time.Duration(config.SnmpPeriod)*time.Second, nil)
	if config.Pprof {
		go http.ListenAndServe(":6060", nil)
	}

	mgr, err := manager.New(manager.Config{
		PrivDataLen:   config.PrivDataLen,
		SndBuf:        config.SockBuf,
		RcvBuf:        config.SockBuf,
		SynCnt:        config.SynCnt,
		AcceptBacklog: cep.DefaultBacklog,
	})
	if err != nil {
		return errors.Wrap(err, "create manager")
	}
	defer mgr.Close()

	controlAddr, err := net.ResolveTCPAddr("tcp", config.ControlAddr)
	if err != nil {
		return errors.Wrap(err, "resolve controladdr")
	}
	listener, err := mgr.Listen(controlAddr, connRequestHandler(key))
	if err != nil {
		return errors.Wrap(err, "listen on controladdr")
	}
	defer listener.Close()
	log.Println("control-plane listening on:", config.ControlAddr)

	mp, err := transport.ParseMultiPort(config.Listen)
	if err != nil {
		return errors.Wrap(err, "parse listen")
	}

	var wg sync.WaitGroup
	loop := func(lis *kcp.Listener) {
		defer wg.Done()
		if err := lis.SetReadBuffer(config.SockBuf); err != nil {
			log.Println("SetReadBuffer:", err)
		}
		if err := lis.SetWriteBuffer(config.SockBuf); err != nil {
			log.Println("SetWriteBuffer:", err)
		}
		for {
			conn, err := lis.AcceptKCP()
			if err != nil {
				log.Printf("%+v", err)
				return
			}
			conn.SetStreamMode(true)
			conn.SetWriteDelay(false)
			conn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
			conn.SetMtu(config.MTU)
			conn.SetWindowSize(config.SndWnd, config.RcvWnd)
			conn.SetACKNoDelay(config.AckNodelay)

			var stream io.ReadWriteCloser = conn
			if !config.NoComp {
				stream = transport.NewCompStream(conn)
			}
			go handleMux(stream, &config)
		}
	}

	for _, port := range mp.Ports() {
		listenAddr := fmt.Sprintf("%s:%d", mp.Host, port)
		if config.TCP {
			if conn, err := tcpraw.Listen("tcp", listenAddr); err == nil {
				log.Printf("data-plane listening on: %s/tcp", listenAddr)
				lis, err := kcp.ServeConn(block, config.DataShard, config.ParityShard, conn)
				if err != nil {
					return errors.Wrapf(err, "serve tcpraw on %s", listenAddr)
				}
				wg.Add(1)
				go loop(lis)
			} else {
				color.Red("tcpraw listen failed on %s: %v", listenAddr, err)
			}
		}

		log.Printf("data-plane listening on: %s/udp", listenAddr)
		lis, err := kcp.ListenWithOptions(listenAddr, block, config.DataShard, config.ParityShard)
		if err != nil {
			return errors.Wrapf(err, "listen udp on %s", listenAddr)
		}
		wg.Add(1)
		go loop(lis)
	}

	wg.Wait()
	return nil
}

// connRequestHandler builds the sockcm ConnRequestCB that verifies an
// agent's authenticated private data before accepting or rejecting it.
func connRequestHandler(key []byte) cep.ConnRequestCB {
	return func(args cep.ConnRequestArgs) {
		ep := args.ConnRequest
		if _, err := transport.VerifyPrivData(key, args.RemoteData.PrivData); err != nil {
			log.Printf("control-plane: rejecting %s: %v", args.RemoteAddr, err)
			ep.Reject(cep.Callbacks{
				ServerNotifyCB: func(ep *cep.Endpoint, status sockcm.Status) {
					log.Printf("control-plane: rejected %s (%s)", args.RemoteAddr, status)
				},
			})
			return
		}

		reply := transport.AuthenticatePrivData(key, []byte("sockcm-server"))
		ep.Accept(nil, reply, cep.Callbacks{
			ServerNotifyCB: func(ep *cep.Endpoint, status sockcm.Status) {
				log.Printf("control-plane: agent %s authenticated (%s)", args.RemoteAddr, status)
				ep.Destroy()
			},
		})
	}
}

// handleMux terminates one KCP session, accepts smux streams on it, and
// forwards each to the configured TCP or UNIX target.
func handleMux(conn io.ReadWriteCloser, config *Config) {
	targetKind := targetTCP
	if _, _, err := net.SplitHostPort(config.Target); err != nil {
		targetKind = targetUnix
	}

	smuxConfig, err := transport.BuildSmuxConfig(transport.SmuxParams{
		Version:          config.SmuxVer,
		MaxReceiveBuffer: config.SmuxBuf,
		MaxStreamBuffer:  config.StreamBuf,
		MaxFrameSize:     config.FrameSize,
		KeepAliveSeconds: config.KeepAlive,
	})
	if err != nil {
		log.Println(err)
		conn.Close()
		return
	}

	mux, err := transport.AcceptSession(conn, smuxConfig)
	if err != nil {
		log.Println(err)
		return
	}
	defer mux.Close()

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			return
		}
		go func(p1 *smux.Stream) {
			network := "tcp"
			if targetKind == targetUnix {
				network = "unix"
			}
			p2, err := net.Dial(network, config.Target)
			if err != nil {
				log.Println(err)
				p1.Close()
				return
			}
			handleClient(p1, p2, config.Quiet)
		}(stream)
	}
}

// handleClient bridges one smux stream to the upstream target.
func handleClient(p1 *smux.Stream, p2 net.Conn, quiet bool) {
	logln := func(v ...any) {
		if !quiet {
			log.Println(v...)
		}
	}

	defer p1.Close()
	defer p2.Close()

	logln("stream opened", "in:", fmt.Sprint(p1.RemoteAddr(), "(", p1.ID(), ")"), "out:", p2.RemoteAddr())
	defer logln("stream closed", "in:", fmt.Sprint(p1.RemoteAddr(), "(", p1.ID(), ")"), "out:", p2.RemoteAddr())

	err1, err2 := transport.Pipe(p1, p2)
	if err1 != nil && err1 != io.EOF {
		logln("pipe:", err1)
	}
	if err2 != nil && err2 != io.EOF {
		logln("pipe:", err2)
	}
}
