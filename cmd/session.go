package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/peerbeam/engine"
)

var (
	// Flags for session commands
	displayName string
	outputDir   string
	sendPaths   []string
	enableAPI   bool
)

// sessionCmd represents the session command
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Establish a direct transfer session with another peer",
	Long:  `Commands for running a transfer session. One side hosts and shares an offer descriptor; the other joins with it and replies with an answer descriptor. Descriptors are exchanged out of band, typically by copy and paste.`,
}

// hostCmd represents the session host command
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Create an offer and wait for the answer",
	Long:  `Create an offer descriptor, print it for the remote peer, then read their answer descriptor from stdin and run the session.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewProduction()
		defer logger.Sync()

		e := newEngine(logger)
		defer e.Disconnect()

		offer, err := e.CreateOffer(context.Background())
		if err != nil {
			logger.Fatal("Failed to create offer", zap.Error(err))
		}

		fmt.Println("Share this offer descriptor with the remote peer:")
		fmt.Println()
		fmt.Println(offer)
		fmt.Println()
		fmt.Print("Paste their answer descriptor: ")

		answer, err := readDescriptor(os.Stdin)
		if err != nil {
			logger.Fatal("Failed to read answer descriptor", zap.Error(err))
		}

		if err := e.CompleteConnection(answer); err != nil {
			logger.Fatal("Failed to complete connection", zap.Error(err))
		}

		runSession(logger, e)
	},
}

// joinCmd represents the session join command
var joinCmd = &cobra.Command{
	Use:   "join [offer_descriptor]",
	Short: "Answer an offer from a hosting peer",
	Long:  `Accept an offer descriptor, print the answer descriptor for the hosting peer, and run the session.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewProduction()
		defer logger.Sync()

		var offer string
		if len(args) == 1 {
			offer = args[0]
		} else {
			fmt.Print("Paste the offer descriptor: ")
			var err error
			offer, err = readDescriptor(os.Stdin)
			if err != nil {
				logger.Fatal("Failed to read offer descriptor", zap.Error(err))
			}
		}

		e := newEngine(logger)
		defer e.Disconnect()

		answer, err := e.AcceptOffer(context.Background(), offer)
		if err != nil {
			logger.Fatal("Failed to accept offer", zap.Error(err))
		}

		fmt.Println("Send this answer descriptor back to the hosting peer:")
		fmt.Println()
		fmt.Println(answer)
		fmt.Println()

		runSession(logger, e)
	},
}

// newEngine builds an engine from flags and configuration.
func newEngine(logger *zap.Logger) *engine.Engine {
	cfg := engine.DefaultConfig()

	if displayName != "" {
		cfg.DisplayName = displayName
	} else if name := viper.GetString("peer.display_name"); name != "" {
		cfg.DisplayName = name
	}

	if servers := viper.GetStringSlice("webrtc.stun_servers"); len(servers) > 0 {
		cfg.STUNServers = servers
	}

	return engine.New(logger, cfg)
}

// runSession waits for the data channel to open, sends any requested files,
// and then services events until the peer goes away or the user interrupts.
func runSession(logger *zap.Logger, e *engine.Engine) {
	if enableAPI || viper.GetBool("api.enabled") {
		startAPI(logger, e)
	}

	bus := e.Events()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	connected := <-bus.PeerConnectedEvents()
	fmt.Printf("Connected to %s (%s)\n", connected.DisplayName, connected.PeerID)

	if len(sendPaths) > 0 {
		go func() {
			if err := sendFiles(logger, e, connected.PeerID, sendPaths); err != nil {
				logger.Error("Send failed", zap.Error(err))
			}
		}()
	}

	for {
		select {
		case received := <-bus.FileReceivedEvents():
			if err := saveReceivedFile(logger, received); err != nil {
				logger.Error("Failed to save received file",
					zap.String("file_name", received.File.Name),
					zap.Error(err))
				continue
			}
			fmt.Printf("Received %s (%d bytes, %s) from %s\n",
				received.File.Name, len(received.File.Data),
				received.File.MimeType, received.FromPeer)

		case progress := <-bus.TransferProgressEvents():
			renderProgress(progress)

		case gone := <-bus.PeerDisconnectedEvents():
			fmt.Printf("Peer %s disconnected\n", gone.DisplayName)
			return

		case <-interrupt:
			fmt.Println("Interrupted, closing session")
			e.Disconnect()
			return
		}
	}
}

// readDescriptor reads one whitespace-trimmed descriptor line from r.
func readDescriptor(r *os.File) (string, error) {
	reader := bufio.NewReaderSize(r, 1<<20)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func init() {
	sessionCmd.PersistentFlags().StringVar(&displayName, "name", "", "display name announced to the remote peer")
	sessionCmd.PersistentFlags().StringVar(&outputDir, "output", ".", "directory for received files")
	sessionCmd.PersistentFlags().StringSliceVar(&sendPaths, "send", nil, "file to send once connected (repeatable)")
	sessionCmd.PersistentFlags().BoolVar(&enableAPI, "api", false, "expose the monitoring API while the session runs")

	sessionCmd.AddCommand(hostCmd)
	sessionCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(sessionCmd)
}
