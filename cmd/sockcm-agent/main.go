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

// Command sockcm-agent demonstrates the sockcm CEP end-to-end: it opens a
// client CEP to a peer's control address, authenticating itself with an
// HMAC over the shared secret, and only once that handshake reports
// StatusOK does it stand up the real data-plane tunnel (KCP+smux) that
// carries the proxied TCP traffic. The CEP's own TCP connection is a
// control-plane gate, independent of the tunnel; the server closes it once
// the handshake completes.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"github.com/xtaci/sockcm"
	"github.com/xtaci/sockcm/cep"
	"github.com/xtaci/sockcm/manager"
	"github.com/xtaci/sockcm/transport"
)

var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "sockcm-agent"
	myApp.Usage = "CEP-gated client agent (with SMUX)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "localaddr,l", Value: ":12948", Usage: "local listen address for proxied TCP traffic"},
		cli.StringFlag{Name: "controladdr", Value: "vps:29901", Usage: "sockcm control-plane address (CEP handshake)"},
		cli.StringFlag{Name: "remoteaddr,r", Value: "vps:29900", Usage: "kcp data-plane server address"},
		cli.StringFlag{Name: "key", Value: "it's a secrect", Usage: "pre-shared secret between agent and server", EnvVar: "SOCKCM_KEY"},
		cli.StringFlag{Name: "crypt", Value: "aes", Usage: "aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null"},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal, manual"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit for UDP packets"},
		cli.IntFlag{Name: "sndwnd", Value: 128, Usage: "send window size (num of packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 512, Usage: "receive window size (num of packets)"},
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
		cli.IntFlag{Name: "syncnt", Value: 0, Usage: "TCP_SYNCNT override for the control connection, 0 to leave at system default"},
		cli.StringFlag{Name: "snmplog", Usage: "collect snmp to file, aware of timeformat in golang, like: ./snmp-20060102.log"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "snmp collect period, in seconds"},
		cli.StringFlag{Name: "log", Usage: "specify a log file to output, default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress the 'stream open/close' messages"},
		cli.BoolFlag{Name: "pprof", Usage: "start profiling server on :6060"},
		cli.StringFlag{Name: "c", Usage: "config from json file, which will override the command from shell"},
	}
	myApp.Action = run
	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	config := Config{
		LocalAddr:   c.String("localaddr"),
		ControlAddr: c.String("controladdr"),
		RemoteAddr:  c.String("remoteaddr"),
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
		Quiet:       c.Bool("quiet"),
		Pprof:       c.Bool("pprof"),
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
	log.Println("remote address:", config.RemoteAddr)
	log.Println("local address:", config.LocalAddr)
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

	if err := authenticate(mgr, &config, key); err != nil {
		return errors.Wrap(err, "CEP control-plane handshake")
	}
	log.Println("control-plane handshake OK, standing up data-plane tunnel")

	listener, err := net.Listen("tcp", config.LocalAddr)
	if err != nil {
		return errors.Wrap(err, "listen on localaddr")
	}
	log.Println("listening on:", listener.Addr())

	createConn := func() (*smux.Session, error) {
		kcpconn, err := kcp.DialWithOptions(config.RemoteAddr, block, config.DataShard, config.ParityShard)
		if err != nil {
			return nil, errors.Wrap(err, "dial kcp")
		}
		kcpconn.SetStreamMode(true)
		kcpconn.SetWriteDelay(false)
		kcpconn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
		kcpconn.SetWindowSize(config.SndWnd, config.RcvWnd)
		kcpconn.SetMtu(config.MTU)
		kcpconn.SetACKNoDelay(config.AckNodelay)

		smuxConfig, err := transport.BuildSmuxConfig(transport.SmuxParams{
			Version:          config.SmuxVer,
			MaxReceiveBuffer: config.SmuxBuf,
			MaxStreamBuffer:  config.StreamBuf,
			MaxFrameSize:     config.FrameSize,
			KeepAliveSeconds: config.KeepAlive,
		})
		if err != nil {
			return nil, errors.Wrap(err, "build smux config")
		}

		var conn io.ReadWriteCloser = kcpconn
		if !config.NoComp {
			conn = transport.NewCompStream(kcpconn)
		}
		return transport.DialSession(conn, smuxConfig)
	}

	waitConn := func() *smux.Session {
		for {
			if session, err := createConn(); err == nil {
				return session
			} else {
				log.Println("re-connecting:", err)
				time.Sleep(time.Second)
			}
		}
	}

	session := waitConn()
	for {
		p1, err := listener.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		if session.IsClosed() {
			session = waitConn()
		}
		go handleClient(session, p1, config.Quiet)
	}
}

// authenticate runs the CEP control-plane handshake and blocks until it
// resolves, returning a non-nil error unless the peer reports StatusOK.
func authenticate(mgr *manager.Manager, config *Config, key []byte) error {
	done := make(chan sockcm.Status, 1)
	_, err := mgr.DialClient(mustResolveTCPAddr(config.ControlAddr), nil, cep.Callbacks{
		PrivPackCB: func(ep *cep.Endpoint, userData interface{}, args cep.PackArgs, out []byte) (int, error) {
			tagged := transport.AuthenticatePrivData(key, []byte("sockcm-agent"))
			n := copy(out, tagged)
			if n < len(tagged) {
				return 0, errors.New("private-data buffer too small for authentication tag")
			}
			return n, nil
		},
		ClientConnectCB: func(ep *cep.Endpoint, remote cep.RemoteData, status sockcm.Status) {
			if status == sockcm.StatusOK {
				if err := ep.ConnNotify(); err != nil {
					log.Printf("control-plane: conn notify failed: %v", err)
				}
			}
			done <- status
		},
	})
	if err != nil {
		return err
	}

	status := <-done
	if status != sockcm.StatusOK {
		return sockcm.NewError(status, nil)
	}
	return nil
}

func mustResolveTCPAddr(addr string) *net.TCPAddr {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		log.Fatalf("%+v", errors.Wrap(err, "resolve address"))
	}
	return tcpAddr
}

func handleClient(session *smux.Session, p1 net.Conn, quiet bool) {
	logln := func(v ...any) {
		if !quiet {
			log.Println(v...)
		}
	}

	defer p1.Close()
	p2, err := transport.OpenStream(session)
	if err != nil {
		logln(err)
		return
	}
	defer p2.Close()

	logln("stream opened", "in:", p1.RemoteAddr(), "out:", fmt.Sprint(p2.RemoteAddr()))
	defer logln("stream closed", "in:", p1.RemoteAddr(), "out:", fmt.Sprint(p2.RemoteAddr()))

	err1, err2 := transport.Pipe(p1, p2)
	if err1 != nil && err1 != io.EOF {
		logln("pipe:", err1)
	}
	if err2 != nil && err2 != io.EOF {
		logln("pipe:", err2)
	}
}
