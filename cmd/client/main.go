// Package main runs a headless call client: it joins a meeting, connects to every other
// participant and relays stdin lines as live transcription.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/interviewlink/backend/config"
	"github.com/interviewlink/backend/internal/call"
	"github.com/interviewlink/backend/internal/discovery"
	"github.com/interviewlink/backend/internal/models"
	"github.com/interviewlink/backend/internal/peer"
	"github.com/interviewlink/backend/internal/sessionapi"
	"github.com/interviewlink/backend/internal/transcript"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.LoadClient()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := sessionapi.New(cfg.ServerURL, logger, sessionapi.WithToken(cfg.AuthToken), sessionapi.WithBeaconTimeout(cfg.LeaveTimeout))

	// Local media
	stream, err := peer.NewLocalStream("stream-" + uuid.NewString())
	if err != nil {
		logger.Fatal("local stream", zap.Error(err))
	}
	go func() {
		if err := stream.PumpSilence(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("audio pump stopped", zap.Error(err))
		}
	}()

	connector, err := peer.NewPionConnector(cfg.WebRTC.ICEUrls, logger)
	if err != nil {
		logger.Fatal("webrtc", zap.Error(err))
	}
	peers := peer.NewManager(
		peer.NewWSSignaler(cfg.BrokerURL, cfg.AuthToken, logger),
		connector,
		peer.Options{ReconnectDelay: cfg.ReconnectDelay, MaxReconnects: cfg.MaxReconnects},
		logger,
	)
	defer peers.Disconnect()

	calls := call.NewManager(api, logger)
	// Teardown runs before Disconnect and is a no-op after /hangup or a beacon.
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.Background(), cfg.LeaveTimeout)
		defer cancel()
		calls.Teardown(teardownCtx)
	}()

	meta := peer.Metadata{UserName: cfg.UserName, UserRole: cfg.UserRole}
	poller := discovery.NewPoller(cfg.MeetingID, api, peers, func(p models.Participant) error {
		return peers.CallPeer(p.PeerID, stream, meta)
	}, cfg.DiscoveryInterval, logger)

	lost := make(chan error, 1)
	peers.SetIncomingCallHandler(func(c peer.IncomingCall) {
		fmt.Printf("* %s (%s) is calling\n", c.Metadata.UserName, c.Metadata.UserRole)
		if err := peers.AnswerCall(c, stream, meta); err != nil {
			logger.Warn("answer failed", zap.String("remote_peer_id", c.PeerID), zap.Error(err))
		}
	})
	peers.SetPeerClosedHandler(func(id string) {
		poller.PeerClosed(id)
		fmt.Printf("* %s left the call\n", id)
	})
	peers.SetTranscriptionHandler(func(_ string, m transcript.Message) {
		fmt.Printf("[%s] %s\n", m.Sender, m.Text)
	})
	peers.SetRegistrationLostHandler(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	stableID := ""
	if !models.IsGuestID(cfg.UserID) {
		stableID = cfg.UserID
	}
	peerID, err := peers.Initialize(ctx, stableID)
	if err != nil {
		logger.Fatal("peer registration", zap.Error(err))
	}

	if _, err := calls.Start(ctx, call.StartParams{
		MeetingID: cfg.MeetingID,
		UserID:    cfg.UserID,
		UserName:  cfg.UserName,
		UserRole:  cfg.UserRole,
		PeerID:    peerID,
	}); err != nil {
		logger.Error("call session not recorded", zap.Error(err))
	}
	fmt.Printf("* joined %s as %s\n", cfg.MeetingID, peerID)

	go poller.Run(ctx)

	lines := make(chan string)
	go readLines(lines)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-quit:
			// Process exit is the tab close of a native client.
			select {
			case <-calls.Unload():
			case <-time.After(cfg.LeaveTimeout):
			}
			return
		case err := <-lost:
			fmt.Printf("* lost connection to the call: %v\n", err)
			endCtx, cancel := context.WithTimeout(context.Background(), cfg.LeaveTimeout)
			_, _ = calls.End(endCtx, models.ReasonConnectionLost)
			cancel()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, line, cfg, calls, peers, stream) {
				return
			}
		}
	}
}

// handleLine runs one stdin command or sends the line as transcription. It returns
// false when the call is over.
func handleLine(ctx context.Context, line string, cfg *config.ClientConfig, calls *call.Manager, peers *peer.Manager, stream *peer.LocalStream) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return true
	case "/hangup":
		endCtx, cancel := context.WithTimeout(ctx, cfg.LeaveTimeout)
		defer cancel()
		if _, err := calls.End(endCtx, models.ReasonLeftIntentionally); err != nil {
			fmt.Printf("* leave failed: %v\n", err)
		}
		return false
	case "/mute", "/unmute":
		stream.SetAudioEnabled(line == "/unmute")
		fmt.Printf("* microphone %s\n", map[bool]string{true: "on", false: "off"}[stream.AudioEnabled()])
	case "/video":
		stream.SetVideoEnabled(!stream.VideoEnabled())
	case "/peers":
		for _, p := range peers.Peers() {
			fmt.Printf("* %s %s (%s) %s\n", p.PeerID, p.UserName, p.UserRole, p.State)
		}
		fmt.Printf("* in call for %s\n", calls.Elapsed())
	case "/history":
		h, err := calls.History(ctx, cfg.MeetingID, cfg.UserID)
		if err != nil {
			fmt.Printf("* history unavailable: %v\n", err)
			return true
		}
		a := h.Analytics
		fmt.Printf("* sessions=%d active=%d reconnections=%d participants=%d avg=%ds\n",
			a.TotalSessions, a.ActiveSessions, a.Reconnections, a.UniqueParticipants, a.AverageDuration)
	default:
		peers.SendTranscription(line, transcript.Metadata{Sender: cfg.UserName, SenderRole: cfg.UserRole})
	}
	return true
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
