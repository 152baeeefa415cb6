package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/lanchat/lanchat"
	"github.com/lanchat/lanchat/internal/session"
	"github.com/lanchat/lanchat/internal/wire"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "lanchat-node"
	myApp.Usage = "LAN peer-to-peer chat node: multicast discovery + UDP sessions"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "given-names",
			Value: "Anon",
			Usage: "comma-separated given names announced to peers",
		},
		cli.StringFlag{
			Name:  "surnames",
			Value: "Ymous",
			Usage: "comma-separated surnames announced to peers",
		},
		cli.IntFlag{
			Name:  "listen-port",
			Value: 0,
			Usage: "P2P control socket port, 0 for OS-assigned",
		},
		cli.StringFlag{
			Name:  "transform",
			Value: "none",
			Usage: "session symmetric transform: none, xor, sm4",
		},
		cli.BoolFlag{
			Name:  "auth",
			Usage: "run SM2 challenge/response authentication on outbound sessions (a failed check leaves the session active, unauthenticated)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "debug, info, warn, error",
		},
	}
	myApp.Action = run

	if err := myApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	cfg := lanchat.DefaultConfig(splitNames(c.String("given-names")), splitNames(c.String("surnames")))
	cfg.SessionListen = uint16(c.Int("listen-port"))
	cfg.UseAuth = c.Bool("auth")

	switch c.String("transform") {
	case "xor":
		cfg.Transform = func() wire.Transform { return session.XORKeystreamTransform{} }
	case "sm4":
		cfg.Transform = func() wire.Transform { return session.SM4CTRTransform{} }
	}

	engine, err := lanchat.Open(cfg, log)
	if err != nil {
		return err
	}

	code, err := engine.GenerateCode()
	if err != nil {
		log.Warn().Err(err).Msg("could not compute connection code")
	} else {
		fmt.Printf("local address: %s\nconnection code: %s\n", engine.LocalIP(), code)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down")
		engine.Close()
		os.Exit(0)
	}()

	repl(engine, log)
	return engine.Close()
}

func repl(engine *lanchat.Engine, log zerolog.Logger) {
	fmt.Println("commands: peers | sessions | connect <code> | open <index> | send <session> <text> | recv <session> | close <session> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return
		case "peers":
			for i, e := range engine.ListDirectory() {
				fmt.Printf("[%d] %s %s  %s:%d  pubkey=%dB\n", i, strings.Join(e.Names, " "), strings.Join(e.Surnames, " "), e.IP, e.Port, e.PublicKeyLen)
			}
		case "sessions":
			for _, id := range engine.Sessions() {
				state, authenticated, _ := engine.SessionState(id)
				fmt.Printf("%s  state=%s  authenticated=%v\n", id, state, authenticated)
			}
		case "connect":
			if len(fields) < 2 {
				fmt.Println("usage: connect <code>")
				continue
			}
			id, err := engine.OpenSessionByCode(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("session:", id)
		case "open":
			if len(fields) < 2 {
				fmt.Println("usage: open <directory-index>")
				continue
			}
			idx, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			id, err := engine.OpenSessionByIndex(idx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("session:", id)
		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <session> <text>")
				continue
			}
			text := strings.Join(fields[2:], " ")
			if err := engine.Send(fields[1], []byte(text), lanchat.ContentTypeText); err != nil {
				fmt.Println("error:", err)
			}
		case "recv":
			if len(fields) < 2 {
				fmt.Println("usage: recv <session>")
				continue
			}
			hist, err := engine.RecvHistory(fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, b := range hist {
				fmt.Println(string(b))
			}
		case "close":
			if len(fields) < 2 {
				fmt.Println("usage: close <session>")
				continue
			}
			engine.CloseSession(fields[1])
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func splitNames(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
