package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gregLibert/secure-element/pkg/iso7816"
	"github.com/gregLibert/secure-element/pkg/logging"
	"github.com/gregLibert/secure-element/pkg/rpc"
	"github.com/gregLibert/secure-element/pkg/se"
	"github.com/gregLibert/secure-element/pkg/se/pcsc"
	"github.com/gregLibert/secure-element/pkg/se/simulator"
)

var (
	simulate   = flag.Bool("simulate", false, "use the in-memory secure element instead of PC/SC")
	readerName = flag.String("reader", "", "reader to use (substring of its name); first reader when empty")
	aidHex     = flag.String("aid", "D0000CAFE000", "AID or AID prefix of the application to select")
	commandHex = flag.String("command", "00010000", "command APDU sent on each channel")
	capacity   = flag.Int("capacity", 258, "response buffer capacity in bytes")
	timeout    = flag.Duration("timeout", 5*time.Second, "bound on every exchange with the secure element")
	logFile    = flag.String("log-file", "", "write JSON logs to this file instead of the console")
	debug      = flag.Bool("debug", false, "log every APDU")
	listen     = flag.String("listen", "", "serve JSON-RPC on host:port instead of running the scenario")
)

func main() {
	flag.Parse()

	logger, err := logging.New(*logFile != "" || *debug, *logFile, *debug)
	if err != nil {
		log.Fatalf("Error initializing logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	aid, err := hex.DecodeString(*aidHex)
	if err != nil {
		log.Fatalf("Invalid -aid: %v", err)
	}
	command, err := hex.DecodeString(*commandHex)
	if err != nil {
		log.Fatalf("Invalid -command: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 1. Hardware Setup ---
	driver, release, err := openDriver(logger)
	if err != nil {
		log.Fatalf("Error opening driver: %v", err)
	}
	defer release()

	svc, err := se.Open(ctx, driver, se.WithTimeout(*timeout), se.WithLogger(logger.Named("se")))
	if err != nil {
		log.Fatalf("Error opening service: %v", err)
	}
	defer svc.Close(context.Background())

	if *listen != "" {
		serve(ctx, svc, logger)
		return
	}

	// --- 2. Execution Flow ---
	reader, err := step1ListReaders(ctx, svc)
	if err != nil {
		log.Fatalf("Step 1 Failed: %v", err)
	}

	s1, s2, err := step2OpenSessions(ctx, reader)
	if err != nil {
		log.Fatalf("Step 2 Failed: %v", err)
	}

	if err := step3BasicChannel(ctx, s1, aid, command); err != nil {
		log.Fatalf("Step 3 Failed: %v", err)
	}

	if err := step4LogicalChannel(ctx, s2, aid, command); err != nil {
		log.Fatalf("Step 4 Failed: %v", err)
	}

	if err := step5Close(ctx, svc, reader, s1, s2); err != nil {
		log.Fatalf("Step 5 Failed: %v", err)
	}

	fmt.Println("\n>> Demo Finished Successfully")
}

// =========================================================================
// Helper Functions
// =========================================================================

// openDriver returns the simulator or the PC/SC driver with its release function.
func openDriver(logger *zap.Logger) (se.Driver, func(), error) {
	if *simulate {
		fmt.Println(">> Using simulated secure elements")
		return simulator.DefaultDriver(), func() {}, nil
	}

	driver, err := pcsc.Open(logger)
	if err != nil {
		return nil, nil, err
	}
	return driver, func() {
		if err := driver.Close(); err != nil {
			log.Printf("Warning: Failed to release context: %v", err)
		}
	}, nil
}

func serve(ctx context.Context, svc *se.Service, logger *zap.Logger) {
	srv := rpc.NewServer(svc, logger)
	if err := srv.Listen(*listen); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("rpc server started", zap.String("address", srv.Address()))
	fmt.Printf(">> JSON-RPC listening on http://%s/rpc\n", srv.Address())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(shutdownCtx)
	}()
	srv.Serve()
}

func banner(title string) {
	fmt.Println("\n=============================================")
	fmt.Println(" " + title)
	fmt.Println("=============================================")
}

// step1ListReaders prints every reader with its presence flag and picks the one to use.
func step1ListReaders(ctx context.Context, svc *se.Service) (se.Reader, error) {
	banner("Step 1: LIST READERS")

	readers, err := svc.Readers()
	if err != nil {
		return se.Reader{}, err
	}
	if len(readers) == 0 {
		return se.Reader{}, errors.New("no reader found")
	}

	chosen := -1
	for i, r := range readers {
		name, err := r.Name()
		if err != nil {
			return se.Reader{}, err
		}
		props, err := r.Properties(ctx)
		if err != nil {
			fmt.Printf("   [%d] %s (unavailable: %v)\n", i, name, err)
			continue
		}
		fmt.Printf("   [%d] %s present=%t\n", i, name, props.Present)
		if chosen < 0 && (*readerName == "" || strings.Contains(name, *readerName)) {
			chosen = i
		}
	}
	if chosen < 0 {
		return se.Reader{}, errors.Errorf("no reader matches %q", *readerName)
	}

	name, _ := readers[chosen].Name()
	fmt.Printf(">> Using reader: %s\n", name)
	return readers[chosen], nil
}

// step2OpenSessions opens two sessions on the reader and prints the ATR.
func step2OpenSessions(ctx context.Context, reader se.Reader) (se.Session, se.Session, error) {
	banner("Step 2: OPEN TWO SESSIONS")

	s1, err := reader.OpenSession(ctx)
	if err != nil {
		return se.Session{}, se.Session{}, errors.Wrap(err, "first session")
	}
	s2, err := reader.OpenSession(ctx)
	if err != nil {
		return se.Session{}, se.Session{}, errors.Wrap(err, "second session")
	}

	atr, err := s1.ATR()
	if err != nil {
		return se.Session{}, se.Session{}, err
	}
	fmt.Printf("   Sessions: %d, %d\n", s1.ID(), s2.ID())
	fmt.Printf("   ATR:      %X\n", atr)
	return s1, s2, nil
}

// step3BasicChannel opens the basic channel on the first session and sends the command.
func step3BasicChannel(ctx context.Context, s se.Session, aid, command []byte) error {
	banner(fmt.Sprintf("Step 3: BASIC CHANNEL (AID %X)", aid))

	ch, err := s.OpenBasicChannel(ctx, aid)
	if err != nil {
		return err
	}
	printSelectResponse(ch)
	return transmit(ctx, ch, command)
}

// step4LogicalChannel opens a logical channel on the second session, sends the
// command, moves to the next matching application and sends it again.
func step4LogicalChannel(ctx context.Context, s se.Session, aid, command []byte) error {
	banner(fmt.Sprintf("Step 4: LOGICAL CHANNEL (AID %X)", aid))

	ch, err := s.OpenLogicalChannel(ctx, aid)
	if err != nil {
		return err
	}
	fmt.Printf("   Channel %d opened\n", ch.Number())
	printSelectResponse(ch)
	if err := transmit(ctx, ch, command); err != nil {
		return err
	}

	fmt.Println("\n>> SELECT next occurrence")
	if err := ch.SelectNext(ctx); err != nil {
		if errors.Is(err, se.ErrNoMoreApplications) {
			fmt.Println("   No further application matches the AID")
			return nil
		}
		return err
	}
	printSelectResponse(ch)
	return transmit(ctx, ch, command)
}

// step5Close closes every session of the reader, checks both report closed and
// closes the service.
func step5Close(ctx context.Context, svc *se.Service, reader se.Reader, sessions ...se.Session) error {
	banner("Step 5: CLOSE")

	if err := reader.CloseSessions(ctx); err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("   Session %d closed: %t\n", s.ID(), s.IsClosed())
		if !s.IsClosed() {
			return errors.Errorf("session %d still open", s.ID())
		}
	}
	svc.Close(ctx)
	return nil
}

func printSelectResponse(ch se.Channel) {
	raw, err := ch.SelectResponse()
	if err != nil {
		fmt.Printf("   (!) No select response: %v\n", err)
		return
	}
	fmt.Printf("   Select response: %X\n", raw)
	if *debug {
		if res, err := ch.SelectResult(); err == nil {
			fmt.Println(res.Describe())
		}
	}

	fci, err := ch.FCI()
	if err != nil {
		return
	}
	if aid := fci.GetAID(); len(aid) > 0 {
		fmt.Printf("   Selected AID:    %X\n", aid)
	}
	if label := fci.ApplicationLabel(); len(label) > 0 {
		fmt.Printf("   Label:           %s\n", label)
	}
}

// transmit sends command and retries once with the reported length when the
// capacity is too small.
func transmit(ctx context.Context, ch se.Channel, command []byte) error {
	fmt.Printf("\n>> Transmit %X on channel %d\n", command, ch.Number())

	resp, err := ch.Transmit(ctx, command, *capacity)
	var sb *se.ShortBufferError
	if errors.As(err, &sb) {
		fmt.Printf("   Response needs %d bytes, capacity is %d. Retrying...\n", sb.Actual, sb.Capacity)
		resp, err = ch.Transmit(ctx, command, sb.Actual)
	}
	if err != nil {
		return err
	}

	r, err := iso7816.ParseResponseAPDU(resp)
	if err != nil {
		return err
	}
	fmt.Printf("   Response: %X [%04X] %s\n", r.Data, uint16(r.Status), r.Status.Verbose())
	return nil
}
