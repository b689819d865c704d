package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/lanchat/pkg/client"
	"github.com/aeolun/lanchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

// Messages carry their send time after this marker so receivers can
// measure relay latency
const timestampMarker = " #t="

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum)))

// generateUsername combines fragments of two random words with the bot id,
// which keeps names unique across the run
func generateUsername(id int) string {
	word1 := loremWords[rand.Intn(len(loremWords))]
	word2 := loremWords[rand.Intn(len(loremWords))]

	frag := func(w string) string {
		n := 3 + rand.Intn(4) // 3-6 chars
		if n > len(w) {
			n = len(w)
		}
		return w[:n]
	}

	username := fmt.Sprintf("%s%s%d", frag(word1), frag(word2), id)
	if len(username) > 32 {
		username = username[len(username)-32:]
	}
	return username
}

func randomSentence() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent     atomic.Int64
	typingSent       atomic.Int64
	whispersSent     atomic.Int64
	stickersSent     atomic.Int64
	sendFailures     atomic.Int64
	connectionErrors atomic.Int64
	loginRejected    atomic.Int64
	disconnections   atomic.Int64

	successfulClients atomic.Int64

	messagesReceived  atomic.Int64
	whispersReceived  atomic.Int64
	stickersReceived  atomic.Int64
	binaryBytes       atomic.Int64
	errorsReceived    atomic.Int64
	totalRelayLatency atomic.Int64 // in microseconds
	latencySamples    atomic.Int64
}

func (s *Stats) recordLatency(sentUnixNano int64) {
	latency := time.Since(time.Unix(0, sentUnixNano)).Microseconds()
	if latency < 0 {
		return
	}
	s.totalRelayLatency.Add(latency)
	s.latencySamples.Add(1)
}

func (s *Stats) avgLatencyMs() float64 {
	samples := s.latencySamples.Load()
	if samples == 0 {
		return 0
	}
	return float64(s.totalRelayLatency.Load()) / float64(samples) / 1000.0
}

func (s *Stats) sent() int64 {
	return s.messagesSent.Load() + s.typingSent.Load() + s.whispersSent.Load() + s.stickersSent.Load()
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id          int
	username    string
	conn        *client.Client
	stats       *Stats
	stickerSize int

	peersMu sync.Mutex
	peers   []string // online users other than this bot, from online_status
}

func NewBotClient(id int, serverAddr string, stats *Stats, stickerSize int) (*BotClient, error) {
	conn, err := client.Dial(serverAddr)
	if err != nil {
		return nil, err
	}
	return &BotClient{
		id:          id,
		username:    generateUsername(id),
		conn:        conn,
		stats:       stats,
		stickerSize: stickerSize,
	}, nil
}

// Login blocks until the server accepts the bot's name
func (bc *BotClient) Login() error {
	users, err := bc.conn.LoginAndWait(bc.username)
	if err != nil {
		if errors.Is(err, client.ErrLoginRejected) {
			bc.stats.loginRejected.Add(1)
		}
		return err
	}
	bc.setPeers(users)
	return nil
}

func (bc *BotClient) setPeers(users []string) {
	peers := make([]string, 0, len(users))
	for _, u := range users {
		if u != bc.username {
			peers = append(peers, u)
		}
	}
	bc.peersMu.Lock()
	bc.peers = peers
	bc.peersMu.Unlock()
}

func (bc *BotClient) randomPeer() string {
	bc.peersMu.Lock()
	defer bc.peersMu.Unlock()
	if len(bc.peers) == 0 {
		return ""
	}
	return bc.peers[rand.Intn(len(bc.peers))]
}

// receiveLoop counts everything the relay delivers to this bot
func (bc *BotClient) receiveLoop() {
	err := bc.conn.Listen(func(in *client.Incoming) {
		switch in.Type {
		case protocol.TypeMessage:
			bc.stats.messagesReceived.Add(1)
			bc.recordLatency(in.Message)
		case protocol.TypeWhisper:
			bc.stats.whispersReceived.Add(1)
			bc.recordLatency(in.Message)
		case protocol.TypeSticker, protocol.TypeDrawing:
			bc.stats.stickersReceived.Add(1)
			bc.stats.binaryBytes.Add(int64(len(in.Binary)))
		case protocol.TypeOnlineStatus:
			bc.setPeers(in.OnlineUsers)
		case protocol.TypeError:
			bc.stats.errorsReceived.Add(1)
			debugLogger.Printf("[Bot %d] server error: %s", bc.id, in.Message)
		}
	})
	if err != nil {
		bc.stats.disconnections.Add(1)
		debugLogger.Printf("[Bot %d] receive loop ended: %v", bc.id, err)
	}
}

func (bc *BotClient) recordLatency(text string) {
	i := strings.LastIndex(text, timestampMarker)
	if i < 0 {
		return
	}
	sent, err := strconv.ParseInt(text[i+len(timestampMarker):], 10, 64)
	if err != nil {
		return
	}
	bc.stats.recordLatency(sent)
}

func stamped(text string) string {
	return text + timestampMarker + strconv.FormatInt(time.Now().UnixNano(), 10)
}

// act sends one random envelope: mostly chat, some typing, whispers and
// stickers
func (bc *BotClient) act() error {
	roll := rand.Intn(100)
	switch {
	case roll < 15:
		sentence := randomSentence()
		if err := bc.conn.Typing(sentence[:1+rand.Intn(len(sentence))]); err != nil {
			return err
		}
		bc.stats.typingSent.Add(1)
	case roll < 25:
		peer := bc.randomPeer()
		if peer == "" {
			return nil
		}
		if err := bc.conn.Whisper(peer, stamped(randomSentence())); err != nil {
			return err
		}
		bc.stats.whispersSent.Add(1)
	case roll < 30 && bc.stickerSize > 0:
		image := make([]byte, bc.stickerSize)
		rand.Read(image)
		if err := bc.conn.SendSticker(image); err != nil {
			return err
		}
		bc.stats.stickersSent.Add(1)
	default:
		if err := bc.conn.SendMessage(stamped(randomSentence())); err != nil {
			return err
		}
		bc.stats.messagesSent.Add(1)
	}
	return nil
}

func (bc *BotClient) Run(duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()
	defer bc.conn.Close()

	go bc.receiveLoop()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.act(); err != nil {
			bc.stats.sendFailures.Add(1)
			debugLogger.Printf("[Bot %d] send failed: %v", bc.id, err)
			return
		}

		// Random delay between sends
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			bc.conn.Logout()
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}

	bc.conn.Logout()
	// Give server time to process logout before closing connection
	time.Sleep(100 * time.Millisecond)
}

var debugLogger *log.Logger

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Create loadtest_debug.log file for detailed bot communication logs
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	// Configure standard log to write to both stdout and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	// Configure debug logger to write only to debug file
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:65432", "Server address (host:port, tcp:// or ws://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between sends")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between sends")
	stickerSize := flag.Int("sticker-size", 32*1024, "Sticker payload size in bytes (0 disables stickers)")
	flag.Parse()

	if *numClients <= 0 {
		fmt.Fprintln(os.Stderr, "-clients must be positive")
		os.Exit(1)
	}

	// Initialize logging to both stdout and file
	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("  Sticker size: %d bytes", *stickerSize)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	// Start stats reporter
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent := stats.sent()
				received := stats.messagesReceived.Load() + stats.whispersReceived.Load() + stats.stickersReceived.Load()
				elapsed := time.Since(startTime).Seconds()

				log.Printf("Stats: %d sent (%.1f/s), %d relayed to clients (%.1f/s), %d failed, avg latency %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, received, float64(received)/elapsed,
					stats.sendFailures.Load(), stats.avgLatencyMs(), getCPULoad(), runtime.NumGoroutine())
			case <-stop:
				return
			}
		}
	}()

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		select {
		case <-stop:
			break spawn
		default:
		}

		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats, *stickerSize)
			if err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] connect failed: %v", id, err)
				return
			}

			if err := bot.Login(); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] login failed: %v", id, err)
				bot.conn.Close()
				return
			}

			// Record successful client connection
			stats.successfulClients.Add(1)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.username)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stop)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		time.Sleep(staggerDelay)
	}

	// Wait for all clients to finish
	wg.Wait()
	stopAll()
	<-reporterDone

	// Final stats
	successfulClients := stats.successfulClients.Load()
	sent := stats.sent()
	rate := float64(sent) / duration.Seconds()

	// Every broadcast reaches every other connected bot
	fanout := 0.0
	if sent := stats.messagesSent.Load(); sent > 0 {
		fanout = float64(stats.messagesReceived.Load()) / float64(sent)
	}

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Envelopes sent: %d (%.1f/s)", sent, rate)
	log.Printf("  - Messages: %d", stats.messagesSent.Load())
	log.Printf("  - Typing: %d", stats.typingSent.Load())
	log.Printf("  - Whispers: %d", stats.whispersSent.Load())
	log.Printf("  - Stickers: %d", stats.stickersSent.Load())
	log.Printf("Received: %d messages (%.1f per message sent), %d whispers, %d stickers (%d bytes)",
		stats.messagesReceived.Load(), fanout, stats.whispersReceived.Load(),
		stats.stickersReceived.Load(), stats.binaryBytes.Load())
	log.Printf("Server errors received: %d", stats.errorsReceived.Load())
	log.Printf("Send failures: %d", stats.sendFailures.Load())
	log.Printf("Connection errors: %d (%d login rejected)", stats.connectionErrors.Load(), stats.loginRejected.Load())
	log.Printf("Unexpected disconnections: %d", stats.disconnections.Load())
	log.Printf("Average relay latency: %.2fms over %d samples", stats.avgLatencyMs(), stats.latencySamples.Load())
}
