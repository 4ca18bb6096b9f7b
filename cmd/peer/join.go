package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"confab/internal/client"
	"confab/internal/core/domain"
	webrtcinfra "confab/internal/infrastructure/webrtc"
	"confab/pkg/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagRoom          string
	flagName          string
	flagToken         string
	flagMeeting       bool
	flagNoAudio       bool
	flagNoVideo       bool
	flagChat          string
	flagInteractive   bool
	flagStatsInterval time.Duration
)

func registerJoinFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room to join")
	cmd.Flags().StringVarP(&flagName, "name", "n", "", "display name")
	cmd.Flags().StringVar(&flagToken, "token", "", "join ticket presented on connect")
	cmd.Flags().BoolVar(&flagMeeting, "meeting", false, "join the meeting record over REST first and use its ticket")
	cmd.Flags().BoolVar(&flagNoAudio, "no-audio", false, "do not send audio")
	cmd.Flags().BoolVar(&flagNoVideo, "no-video", false, "do not send video")
	cmd.Flags().StringVar(&flagChat, "chat", "", "chat message to send once joined")
	cmd.Flags().BoolVarP(&flagInteractive, "interactive", "i", false, "read chat lines and /commands from stdin")
	cmd.Flags().DurationVar(&flagStatsInterval, "stats-interval", 0, "print receive stats at this interval")
	_ = cmd.MarkFlagRequired("room")
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roomID := domain.RoomID(flagRoom)
	mcfg := client.ManagerConfigFrom(cfg)
	if flagName != "" {
		mcfg.DisplayName = flagName
	}
	mcfg.JoinToken = flagToken

	if flagMeeting {
		api, err := client.NewAPIClient(mcfg.ServerURL, mcfg.DialTimeout)
		if err != nil {
			return err
		}
		token, err := api.JoinMeeting(ctx, string(roomID), uuid.NewString(), mcfg.DisplayName)
		if err != nil {
			return err
		}
		if token != "" {
			mcfg.JoinToken = token
		}
	}

	factory, err := webrtcinfra.NewPeerFactory(webrtcinfra.ConfigFrom(cfg), log)
	if err != nil {
		return err
	}
	capturer := &webrtcinfra.Capturer{Audio: !flagNoAudio, Video: !flagNoVideo, Logger: log}

	conn := client.NewConnectionManager(mcfg, nil, log)
	meeting := client.NewMeeting(conn, factory, capturer, log)

	disconnected := make(chan error, 1)
	meeting.OnChat(printChat)
	meeting.OnMediaError(func(err error) {
		printWarning("joining without local media: " + err.Error())
	})
	meeting.OnPeerFailed(func(peerID string, err error) {
		printWarning(fmt.Sprintf("connection to %s failed: %v", peerID, err))
	})
	meeting.OnDisconnected(func(err error) {
		select {
		case disconnected <- err:
		default:
		}
	})
	conn.OnStateChange(func(from, to client.State) {
		log.Infow("signaling channel state changed",
			"from", from.String(),
			"to", to.String(),
			"attempt", conn.Attempt(),
		)
	})

	if err := meeting.Join(ctx, roomID); err != nil {
		return err
	}
	printJoined(roomID, mcfg.DisplayName)
	sess := &session{meeting: meeting, roomID: roomID, joinedAt: time.Now(), logger: log}
	defer sess.leave()

	if flagChat != "" {
		if err := meeting.SendChat(flagChat); err != nil {
			printWarning("chat not sent: " + err.Error())
		}
	}

	var lines <-chan string
	if flagInteractive {
		lines = readLines(ctx)
	}
	var stats <-chan time.Time
	if flagStatsInterval > 0 {
		t := time.NewTicker(flagStatsInterval)
		defer t.Stop()
		stats = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return sess.leave()
		case err := <-disconnected:
			_ = sess.leave()
			return err
		case <-stats:
			fmt.Println(statsLine(factory.Stats().Snapshot(), time.Since(sess.joinedAt)))
		case line, ok := <-lines:
			if !ok {
				return sess.leave()
			}
			quit, err := sess.runCommand(line)
			if err != nil {
				printWarning(err.Error())
			}
			if quit {
				return sess.leave()
			}
		}
	}
}

// session is one joined meeting of the CLI and the screen capture it may
// be sharing.
type session struct {
	meeting  *client.Meeting
	roomID   domain.RoomID
	joinedAt time.Time
	logger   *zap.SugaredLogger

	screen client.LocalMedia
	left   bool
}

// leave releases the meeting and the screen capture. Only the first call
// has an effect.
func (s *session) leave() error {
	if s.left {
		return nil
	}
	s.left = true
	err := s.meeting.Leave()
	s.closeScreen()
	printLeft(s.roomID, time.Since(s.joinedAt))
	return err
}

func (s *session) closeScreen() {
	if s.screen != nil {
		_ = s.screen.Close()
		s.screen = nil
	}
}

func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

var errUnknownCommand = errors.New("unknown command, try /help")

const commandHelp = `/audio on|off   toggle the microphone
/video on|off   toggle the camera
/share          start a screen share
/unshare        stop the screen share
/peers          show participants
/quit           leave the meeting
anything else is sent as chat`

// runCommand executes one interactive line. It reports whether the session
// should end.
func (s *session) runCommand(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, s.meeting.SendChat(line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/leave":
		return true, nil
	case "/help":
		fmt.Println(mutedStyle.Render(commandHelp))
	case "/peers":
		fmt.Println(participantsView(s.meeting))
	case "/audio", "/video":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return false, fmt.Errorf("usage: %s on|off", fields[0])
		}
		on := fields[1] == "on"
		if fields[0] == "/audio" {
			return false, s.meeting.SetAudio(on)
		}
		return false, s.meeting.SetVideo(on)
	case "/share":
		return false, s.startShare()
	case "/unshare":
		return false, s.stopShare()
	default:
		return false, errUnknownCommand
	}
	return false, nil
}

func (s *session) startShare() error {
	if s.screen != nil {
		return nil
	}
	capturer := &webrtcinfra.Capturer{Video: true, Logger: s.logger}
	media, err := capturer.Capture(context.Background())
	if err != nil {
		return err
	}
	if err := s.meeting.StartScreenShare(media.VideoTrack()); err != nil {
		_ = media.Close()
		return err
	}
	s.screen = media
	return nil
}

func (s *session) stopShare() error {
	if s.screen == nil {
		return nil
	}
	err := s.meeting.StopScreenShare()
	s.closeScreen()
	return err
}
