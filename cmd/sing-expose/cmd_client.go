package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sagernet/sing-expose/client"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/protocol/message"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/spf13/cobra"
)

const defaultServerURL = "wss://" + C.LocalBaseDomain + "/"

var (
	clientServer     string
	clientAPIKey     string
	clientSubdomain  string
	clientDomain     string
	clientRemotePort uint16
	clientForce      bool
	clientLocalHost  string
)

func init() {
	for _, protocol := range []string{C.ProtocolHTTP, C.ProtocolTCP, C.ProtocolUDP} {
		mainCommand.AddCommand(newClientCommand(protocol))
	}
}

func newClientCommand(protocol string) *cobra.Command {
	command := &cobra.Command{
		Use:   protocol + " <port>",
		Short: "Expose a local " + protocol + " service",
		Run: func(cmd *cobra.Command, args []string) {
			err := runClient(protocol, args[0])
			if err != nil {
				log.Fatal(err)
			}
		},
		Args: cobra.ExactArgs(1),
	}
	flags := command.Flags()
	flags.StringVarP(&clientServer, "server", "s", envOrDefault("SING_EXPOSE_SERVER", defaultServerURL), "tunnel server url")
	flags.StringVarP(&clientAPIKey, "key", "k", os.Getenv("SING_EXPOSE_API_KEY"), "api key")
	flags.StringVar(&clientLocalHost, "local-host", "localhost", "local service host")
	flags.BoolVar(&clientForce, "force", false, "take over the tunnel if another client holds it")
	switch protocol {
	case C.ProtocolHTTP:
		flags.StringVar(&clientSubdomain, "subdomain", "", "requested subdomain")
		flags.StringVar(&clientDomain, "domain", "", "verified custom domain")
	default:
		flags.Uint16Var(&clientRemotePort, "remote-port", 0, "requested public port")
	}
	return command
}

func envOrDefault(name string, defaultValue string) string {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	return value
}

func runClient(protocol string, port string) error {
	localPort, err := strconv.ParseUint(port, 10, 16)
	if err != nil || localPort == 0 {
		return E.New("invalid local port: ", port)
	}
	logFactory := log.NewFactory(log.Formatter{BaseTime: time.Now(), DisableColors: disableColor}, os.Stderr)
	logger := logFactory.Logger()
	tunnelClient, err := client.New(client.Options{
		Logger:        logger,
		ServerURL:     clientServer,
		Protocol:      protocol,
		LocalAddress:  net.JoinHostPort(clientLocalHost, strconv.FormatUint(localPort, 10)),
		APIKey:        clientAPIKey,
		Subdomain:     clientSubdomain,
		CustomDomain:  clientDomain,
		RemotePort:    clientRemotePort,
		ForceTakeover: clientForce,
		OnOpen: func(tunnel *message.TunnelOpened) {
			os.Stdout.WriteString(tunnel.URL + "\n")
		},
	})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = tunnelClient.Run(ctx)
	if errors.Is(err, client.ErrStopped) {
		logger.Info("tunnel stopped by user")
		return nil
	}
	return err
}
