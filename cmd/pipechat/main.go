package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	pipeipc "github.com/pipeipc/go-pipeipc"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

var (
	notice   = color.New(color.FgYellow)
	incoming = color.New(color.FgGreen)
)

func main() {
	myApp := cli.NewApp()
	myApp.Name = "pipechat"
	myApp.Usage = "chat over a local named pipe"
	myApp.Version = VERSION
	nameFlag := cli.StringFlag{
		Name:  "name,n",
		Value: "pipechat",
		Usage: "well-known pipe name",
	}
	verboseFlag := cli.BoolFlag{
		Name:  "verbose,v",
		Usage: "log engine activity to stderr",
	}
	myApp.Commands = []cli.Command{
		{
			Name:   "server",
			Usage:  "host a chat room",
			Flags:  []cli.Flag{nameFlag, verboseFlag},
			Action: runServer,
		},
		{
			Name:   "client",
			Usage:  "join a chat room",
			Flags:  []cli.Flag{nameFlag, verboseFlag},
			Action: runClient,
		},
	}
	if err := myApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func chatLogger(c *cli.Context) logrus.FieldLogger {
	l := logrus.New()
	if c.Bool("verbose") {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetOutput(io.Discard)
	}
	return l
}

func runServer(c *cli.Context) error {
	srv := pipeipc.NewServer[string, string](c.String("name"), &pipeipc.ServerConfig[string, string]{
		Logger: chatLogger(c),
	})
	srv.OnClientConnected = func(conn *pipeipc.Connection[string, string]) {
		notice.Printf("* %s joined\n", conn.Name)
		srv.PushMessage(fmt.Sprintf("* %s joined", conn.Name))
	}
	srv.OnClientDisconnected = func(conn *pipeipc.Connection[string, string]) {
		if conn == nil {
			return
		}
		notice.Printf("* %s left\n", conn.Name)
		srv.PushMessage(fmt.Sprintf("* %s left", conn.Name))
	}
	srv.OnClientMessage = func(conn *pipeipc.Connection[string, string], msg string) {
		line := fmt.Sprintf("%s: %s", conn.Name, msg)
		incoming.Println(line)
		srv.PushMessage(line)
	}
	srv.OnError = func(err error) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	srv.Start()
	defer srv.Stop()

	notice.Printf("* hosting %q, type to broadcast\n", c.String("name"))
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		srv.PushMessage("server: " + sc.Text())
	}
	return sc.Err()
}

func runClient(c *cli.Context) error {
	cl := pipeipc.NewClient[string, string](c.String("name"), &pipeipc.ClientConfig[string, string]{
		Logger: chatLogger(c),
	})
	cl.OnServerMessage = func(_ *pipeipc.Connection[string, string], msg string) {
		incoming.Println(msg)
	}
	cl.OnDisconnected = func(_ *pipeipc.Connection[string, string]) {
		notice.Println("* disconnected, waiting for the server")
	}
	cl.OnError = func(err error) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	cl.Start()
	defer cl.Stop()

	notice.Printf("* joining %q, type to chat\n", c.String("name"))
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		cl.PushMessage(sc.Text())
	}
	return sc.Err()
}
