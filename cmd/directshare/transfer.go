package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"directshare/models"
	"directshare/peers"
	"directshare/service"
)

const (
	acceptAuto   = "auto"
	acceptReject = "reject"
)

var (
	acceptFlag      string
	sendTimeoutFlag time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&acceptFlag, "accept", "", "incoming offer policy: auto or reject (default from config auto_accept)")
	sendCmd.Flags().DurationVar(&sendTimeoutFlag, "timeout", 30*time.Second, "how long to wait for the peer to appear and connect")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise this device and receive files until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}

		policy := acceptFlag
		if policy == "" {
			policy = acceptReject
			if e.cfg.AutoAccept {
				policy = acceptAuto
			}
		}
		if policy != acceptAuto && policy != acceptReject {
			return fmt.Errorf("invalid --accept %q: want %s or %s", policy, acceptAuto, acceptReject)
		}

		out := newProgressPrinter(os.Stdout)
		var svc *service.Service
		hooks := service.Hooks{
			OnPeerFound: func(peer models.Peer) {
				e.logger.WithFields(logrus.Fields{"peer_id": peer.ID, "name": peer.Name}).Info("peer found")
			},
			OnConnection: func(event peers.ConnectionEvent) {
				entry := e.logger.WithFields(logrus.Fields{"peer_id": event.Peer.ID, "state": event.Current})
				if event.Err != nil {
					entry = entry.WithError(event.Err)
				}
				entry.Info("connection changed")
			},
			OnOffer: func(file models.TransferFile, from models.Peer) {
				fmt.Printf("Offer: %s (%s) from %s\n", file.FileName, formatBytes(file.Size), from.DisplayName())
				if policy == acceptReject {
					if err := svc.RejectOffer(file.ID); err != nil {
						e.logger.WithField("file_id", file.ID).WithError(err).Warn("reject offer")
					}
				}
			},
			OnProgress: out.progress,
			OnComplete: out.complete,
		}

		svc, err = e.newService(hooks)
		if err != nil {
			return err
		}
		defer svc.Close()
		svc.SetAutoAccept(policy == acceptAuto)

		if err := svc.StartAdvertising(); err != nil {
			return fmt.Errorf("advertising: %w", err)
		}
		if err := svc.StartScanning(); err != nil {
			e.logger.WithError(err).Warn("peer discovery unavailable")
		}

		fmt.Printf("Device ID:       %s\n", e.cfg.DeviceID)
		fmt.Printf("Device Name:     %s\n", e.cfg.DeviceName)
		fmt.Printf("Listening On:    %s\n", svc.Endpoint())
		fmt.Printf("Receive Dir:     %s\n", e.cfg.ReceiveDir)
		fmt.Printf("Incoming Offers: %s\n", policy)
		fmt.Println("Status:          running (press Ctrl+C to stop)")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		fmt.Println("Status:          shutting down")
		svc.StopAll()
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <file>...",
	Short: "Send files to a nearby device, by device id or name",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		query, paths := args[0], args[1:]

		out := newProgressPrinter(os.Stdout)
		results := newResultSet()
		svc, err := e.newService(service.Hooks{
			OnProgress: out.progress,
			OnComplete: func(file models.TransferFile, success bool) {
				out.complete(file, success)
				results.add(file)
			},
		})
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.StartScanning(); err != nil {
			return fmt.Errorf("discovery: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		waitCtx, cancel := context.WithTimeout(ctx, sendTimeoutFlag)
		defer cancel()

		peer, err := waitForPeer(waitCtx, svc, func(p models.Peer) bool {
			return p.ID == query || p.Name == query
		})
		if err != nil {
			return fmt.Errorf("peer %q not found: %w", query, err)
		}
		if err := svc.Connect(peer.ID); err != nil {
			return fmt.Errorf("connecting to %s: %w", peer.DisplayName(), err)
		}
		if _, err := waitForPeer(waitCtx, svc, func(p models.Peer) bool {
			return p.ID == peer.ID && p.IsConnected()
		}); err != nil {
			return fmt.Errorf("connecting to %s: %w", peer.DisplayName(), err)
		}

		files, sendErr := svc.SendFiles(ctx, peer.ID, paths)
		ids := make([]uuid.UUID, 0, len(files))
		for _, f := range files {
			ids = append(ids, f.ID)
		}

		finished, err := results.wait(ctx, ids)
		if err != nil {
			for _, id := range ids {
				_ = svc.CancelTransfer(id)
			}
			return err
		}
		if sendErr != nil {
			return sendErr
		}
		for _, f := range finished {
			if f.Status != models.TransferCompleted {
				return fmt.Errorf("%s: %s (%s)", f.FileName, f.Status, f.FailureReason)
			}
		}
		return nil
	},
}

// waitForPeer polls the live registry until match holds for some peer.
func waitForPeer(ctx context.Context, svc *service.Service, match func(models.Peer) bool) (models.Peer, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, p := range svc.Peers() {
			if match(p) {
				return p, nil
			}
		}
		select {
		case <-ctx.Done():
			return models.Peer{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// resultSet collects finished transfers reported by the completion hook.
type resultSet struct {
	mu     sync.Mutex
	files  map[uuid.UUID]models.TransferFile
	signal chan struct{}
}

func newResultSet() *resultSet {
	return &resultSet{files: make(map[uuid.UUID]models.TransferFile), signal: make(chan struct{}, 1)}
}

func (r *resultSet) add(file models.TransferFile) {
	r.mu.Lock()
	r.files[file.ID] = file
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *resultSet) wait(ctx context.Context, ids []uuid.UUID) ([]models.TransferFile, error) {
	for {
		r.mu.Lock()
		done := make([]models.TransferFile, 0, len(ids))
		for _, id := range ids {
			if f, ok := r.files[id]; ok {
				done = append(done, f)
			}
		}
		r.mu.Unlock()
		if len(done) == len(ids) {
			return done, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.New("interrupted")
		case <-r.signal:
		}
	}
}

// progressPrinter renders transfer progress, redrawing one line per file
// on terminals.
type progressPrinter struct {
	mu          sync.Mutex
	out         *os.File
	interactive bool
}

func newProgressPrinter(out *os.File) *progressPrinter {
	return &progressPrinter{out: out, interactive: term.IsTerminal(int(out.Fd()))}
}

func (p *progressPrinter) progress(file models.TransferFile) {
	if !p.interactive {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\r%-40s %3.0f%% %s", truncate(file.FileName, 40), file.Progress()*100, formatBytes(file.BytesTransferred))
}

func (p *progressPrinter) complete(file models.TransferFile, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interactive {
		fmt.Fprint(p.out, "\r")
	}
	verb := "sent"
	if file.Direction == models.DirectionReceiving {
		verb = "received"
	}
	if success {
		fmt.Fprintf(p.out, "%-40s %s %s\n", truncate(file.FileName, 40), verb, formatBytes(file.Size))
		return
	}
	fmt.Fprintf(p.out, "%-40s %s (%s)\n", truncate(file.FileName, 40), file.Status, file.FailureReason)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatBytes(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
