package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/client"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

var (
	serverURL string
	email     string
	password  string
	roomId    string
	outboxDir string
)

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "chat server base URL")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", "", "account password")
	flag.StringVar(&roomId, "room", "", "room id to join")
	flag.StringVar(&outboxDir, "outbox-dir", defaultOutboxDir(), "directory for the persisted outbox")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatrelay] ", log.LstdFlags)

	if email == "" || password == "" || roomId == "" {
		logger.Fatal("email, password and room are required")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		logger.Fatal("cookie jar:", err)
	}
	httpClient := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	self, err := login(httpClient, serverURL, email, password)
	if err != nil {
		logger.Fatal("login:", err)
	}
	logger.Printf("logged in as %s (id %d)", self.Username, self.Id)

	wsURL, header, err := websocketTarget(jar, serverURL)
	if err != nil {
		logger.Fatal("websocket url:", err)
	}

	if err := os.MkdirAll(outboxDir, 0o700); err != nil {
		logger.Fatal("outbox dir:", err)
	}
	outbox, err := client.NewOutbox(filepath.Join(outboxDir, "outbox.json"), 50, logger)
	if err != nil {
		logger.Fatal("outbox:", err)
	}

	var coord *client.Coordinator
	var pager *client.Pager

	cm := client.NewConnectionManager(client.ConnectionManagerConfig{
		URL:    wsURL,
		Dialer: client.NewDialer(header),
		OnResync: func() {
			pager.Reset()
			coord.Flush()
		},
		Logger: logger,
	})

	coord = client.NewCoordinator(client.CoordinatorConfig{
		Sender: cm,
		Ready: func(roomId string) bool {
			return cm.State().Status == client.StatusConnected && cm.Joined(roomId)
		},
		Outbox: outbox,
		OnUpdate: func(rec client.Record) {
			fmt.Printf("* message %s is %s\n", rec.CorrelationId[:8], rec.State)
		},
		Logger: logger,
	})
	defer coord.Close()

	pager = client.NewPager(roomId, 25, historyFetcher(httpClient, serverURL), logger)

	tracker := client.NewTracker(client.TrackerConfig{
		RoomId: roomId,
		SelfId: self.Id,
		Send: func(roomId string, messageIds []int64) error {
			return cm.MarkRead(roomId, messageIds)
		},
		Logger: logger,
	})
	defer tracker.Stop()

	go cm.Run()
	defer cm.Stop()

	go func() {
		for ev := range cm.Events() {
			switch {
			case ev.State != nil:
				fmt.Printf("* connection %s\n", ev.State.Status)
				if ev.State.Status == client.StatusConnected {
					if err := cm.Join(roomId); err != nil {
						logger.Println("join:", err)
						continue
					}
					coord.Flush()
				}
			case ev.Message != nil:
				msg := ev.Message
				if msg.Response != nil {
					coord.HandleResponse(msg)
				}
				if msg.Message != nil && !coord.HandleEcho(msg.Message) {
					printMessage(*msg.Message)
					tracker.Observe(msg.Message.Id, msg.Message.SenderId, 1.0)
				}
				if msg.Notification != nil && msg.Notification.MessageRead != nil {
					mr := msg.Notification.MessageRead
					fmt.Printf("* message %d read by %v\n", mr.MessageId, mr.ReadBy)
				}
			}
		}
	}()

	fmt.Println("type a message and press enter; /history loads older messages; /retry <id> retries a failed send")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/history":
			page, err := pager.LoadOlder(context.Background())
			if err != nil {
				logger.Println("load history:", err)
				continue
			}
			for _, msg := range page {
				printMessage(msg)
			}
			if pager.Exhausted() {
				fmt.Println("* no more history")
			}
		case strings.HasPrefix(line, "/retry "):
			if err := coord.Retry(strings.TrimPrefix(line, "/retry ")); err != nil {
				logger.Println("retry:", err)
			}
		default:
			corrId, err := coord.Send(roomId, line)
			if err != nil {
				logger.Println("send:", err)
				continue
			}
			fmt.Printf("> queued %s\n", corrId[:8])
		}
	}
}

func defaultOutboxDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".chatrelay")
}

func login(httpClient *http.Client, baseURL, email, password string) (types.User, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return types.User{}, err
	}

	resp, err := httpClient.Post(baseURL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return types.User{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.User{}, fmt.Errorf("login failed: %s", resp.Status)
	}

	var user types.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return types.User{}, err
	}
	return user, nil
}

// websocketTarget derives the ws endpoint from the base URL and carries the
// session cookie into the upgrade request.
func websocketTarget(jar http.CookieJar, baseURL string) (string, http.Header, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", nil, err
	}

	header := http.Header{}
	for _, c := range jar.Cookies(u) {
		header.Add("Cookie", c.String())
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	return u.String(), header, nil
}

func historyFetcher(httpClient *http.Client, baseURL string) client.FetchFunc {
	return func(ctx context.Context, roomId string, before time.Time, limit int) ([]types.Message, error) {
		q := url.Values{}
		q.Set("room_id", roomId)
		q.Set("limit", fmt.Sprint(limit))
		if !before.IsZero() {
			q.Set("before", before.Format(time.RFC3339Nano))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/messages?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch messages: %s", resp.Status)
		}

		var msgs []types.Message
		if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}
}

func printMessage(msg types.Message) {
	fmt.Printf("[%s] user %d: %s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.SenderId, msg.Content)
}
