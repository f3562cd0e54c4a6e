// Command kjnchat is a terminal client for the KJN chat broker. It maintains
// one realtime session: a WebSocket connection to the broker, the
// subscriptions for whichever conversation is active, and the directory
// lookups that back the roster and history views.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kjnchat/kjnchat/pkg/client"
	"github.com/kjnchat/kjnchat/pkg/directory"
	"github.com/kjnchat/kjnchat/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "~/.kjnchat/config.toml", "Path to config file")
	brokerURL := flag.String("broker", "", "Broker WebSocket URL (overrides config)")
	userID := flag.String("user-id", "", "Authenticated user ID")
	username := flag.String("username", "", "Display name")
	flag.Parse()

	logger := log.New(os.Stderr, "kjnchat: ", log.LstdFlags)

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *brokerURL != "" {
		cfg.Broker.URL = *brokerURL
	}

	token := os.Getenv("KJNCHAT_TOKEN")
	if token == "" {
		logger.Fatal("KJNCHAT_TOKEN must be set")
	}
	creds := func() (string, bool) {
		return token, token != ""
	}

	statePath, err := client.ExpandPath(cfg.Client.StatePath)
	if err != nil {
		logger.Fatalf("resolve state path: %v", err)
	}
	state, err := client.OpenState(statePath)
	if err != nil {
		logger.Fatalf("open state: %v", err)
	}
	defer state.Close()

	if *userID == "" {
		logger.Fatal("-user-id is required")
	}
	if *username == "" {
		*username = state.GetLastUsername()
	}
	if *username == "" {
		logger.Fatal("-username is required on first run")
	}
	state.SetLastUsername(*username)
	state.SetLastServer(cfg.Broker.URL)

	self := protocol.UserRef{ID: *userID, Username: *username}

	conn := client.NewConnection(cfg.Broker.URL, *userID, creds)
	conn.SetLogger(logger)
	if cfg.Broker.HeartbeatIntervalMS > 0 {
		conn.SetHeartbeatInterval(time.Duration(cfg.Broker.HeartbeatIntervalMS) * time.Millisecond)
	}
	if cfg.Broker.ReconnectDelayMS > 0 {
		conn.SetReconnectDelay(time.Duration(cfg.Broker.ReconnectDelayMS) * time.Millisecond)
	}

	dir := directory.NewClient(cfg.Directory.BaseURL, *userID, creds,
		time.Duration(cfg.Directory.RequestTimeoutMS)*time.Millisecond)

	sess := client.NewSession(conn, dir, self, creds, cfg.SessionConfig())
	sess.SetLogger(logger)
	sess.SetStateStore(state)

	authFailed := make(chan error, 1)
	sess.OnAuthFailure(func(err error) {
		select {
		case authFailed <- err:
		default:
		}
	})

	if cfg.Metrics.Enabled {
		metrics := client.NewMetrics()
		sess.SetMetrics(metrics)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				logger.Printf("metrics listener: %v", err)
			}
		}()
	}

	go printEvents(sess)

	if err := sess.Start(); err != nil {
		logger.Fatalf("start session: %v", err)
	}
	go restoreLastContext(sess, state)

	fmt.Println("Connected. Commands: /public /dm <user> /group <name> /users /groups /members /quit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case err := <-authFailed:
			logger.Fatalf("authentication failed: %v", err)
		case line, ok := <-lines:
			if !ok {
				sess.Disconnect()
				return
			}
			if quit := handleLine(sess, line); quit {
				sess.Disconnect()
				return
			}
		}
	}
}

// handleLine dispatches one line of input. Lines starting with / are
// commands; everything else is sent to the active conversation.
func handleLine(sess *client.Session, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := sess.SendMessage(line); err != nil {
			fmt.Printf("! send failed: %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true
	case "/public":
		sess.SelectContext(client.PublicContext())
		fmt.Println("* switched to public chat")
	case "/dm":
		user, ok := findUser(sess.Roster(), arg)
		if !ok {
			fmt.Printf("! unknown user %q (try /users)\n", arg)
			return false
		}
		sess.SelectContext(client.DirectContext(protocol.UserRef{ID: user.ID, Username: user.Username}))
		fmt.Printf("* switched to direct chat with %s\n", user.Username)
	case "/group":
		group, ok := findGroup(sess.Groups(), arg)
		if !ok {
			fmt.Printf("! unknown group %q (try /groups)\n", arg)
			return false
		}
		sess.SelectContext(client.GroupContext(protocol.GroupRef{ID: group.ID, GroupName: group.GroupName}))
		fmt.Printf("* switched to group %s\n", group.GroupName)
	case "/users":
		for _, u := range sess.Roster() {
			marker := " "
			if u.Online {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, u.Username)
		}
	case "/groups":
		for _, g := range sess.Groups() {
			fmt.Printf("  %s\n", g.GroupName)
		}
	case "/members":
		if _, ok := sess.ActiveContext().Group(); !ok {
			fmt.Println("! no group selected")
			return false
		}
		members, isAdmin := sess.Members()
		for _, m := range members {
			fmt.Printf("  %s\n", m.Username)
		}
		if isAdmin {
			fmt.Println("* you administer this group")
		}
	default:
		fmt.Printf("! unknown command %s\n", cmd)
	}
	return false
}

// restoreLastContext reopens the conversation the user was viewing in the
// previous run. The roster and group list arrive asynchronously after
// connect, so this polls briefly and gives up quietly if the referenced user
// or group no longer exists.
func restoreLastContext(sess *client.Session, state *client.State) {
	key := state.GetLastContextKey()
	kind, id, found := strings.Cut(key, ":")
	if !found {
		return
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		switch kind {
		case "direct":
			for _, u := range sess.Roster() {
				if u.ID == id {
					sess.SelectContext(client.DirectContext(protocol.UserRef{ID: u.ID, Username: u.Username}))
					fmt.Printf("* restored direct chat with %s\n", u.Username)
					return
				}
			}
		case "group":
			for _, g := range sess.Groups() {
				if g.ID == id {
					sess.SelectContext(client.GroupContext(protocol.GroupRef{ID: g.ID, GroupName: g.GroupName}))
					fmt.Printf("* restored group %s\n", g.GroupName)
					return
				}
			}
		default:
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func findUser(users []client.User, name string) (client.User, bool) {
	for _, u := range users {
		if strings.EqualFold(u.Username, name) || u.ID == name {
			return u, true
		}
	}
	return client.User{}, false
}

func findGroup(groups []client.Group, name string) (client.Group, bool) {
	for _, g := range groups {
		if strings.EqualFold(g.GroupName, name) || g.ID == name {
			return g, true
		}
	}
	return client.Group{}, false
}

// printEvents renders session events to stdout until the event channel
// closes.
func printEvents(sess *client.Session) {
	for ev := range sess.Events() {
		switch e := ev.(type) {
		case client.StateChanged:
			fmt.Printf("* connection: %s\n", e.State)
		case client.MessageAppended:
			printMessage(e.Message)
		case client.MessageConfirmed:
			// Echo already rendered; nothing to redraw in line mode.
		case client.HistoryLoaded:
			fmt.Printf("* loaded %d messages\n", e.Count)
			for _, msg := range sess.Messages() {
				printMessage(msg)
			}
		case client.TypingChanged:
			if len(e.Users) > 0 {
				fmt.Printf("* typing: %s\n", strings.Join(e.Users, ", "))
			}
		case client.MembersUpdated:
			admin := ""
			if e.IsAdmin {
				admin = " (you are admin)"
			}
			fmt.Printf("* group has %d members%s\n", len(e.Members), admin)
		case client.Notice:
			switch e.Severity {
			case client.SeverityInfo:
				fmt.Printf("* %s\n", e.Text)
			default:
				fmt.Printf("! %s\n", e.Text)
			}
		}
	}
}

func printMessage(msg protocol.Message) {
	ts := msg.Timestamp.Local().Format("15:04")
	switch msg.Kind {
	case protocol.KindJoin, protocol.KindLeave:
		fmt.Printf("[%s] * %s\n", ts, msg.Content)
	default:
		pending := ""
		if msg.IsLocalEcho {
			pending = " (sending)"
		}
		fmt.Printf("[%s] <%s> %s%s\n", ts, msg.SenderName, msg.Content, pending)
	}
}
