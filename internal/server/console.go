package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// Console executes operator commands read line by line, typically from
// stdin. It only uses the router's broadcast and the hub's read accessors.
type Console struct {
	router *Router
	out    io.Writer
	stop   func()
	now    func() time.Time
}

// NewConsole creates a console writing replies to out. stop is called once
// for the /stop command.
func NewConsole(router *Router, out io.Writer, stop func()) *Console {
	return &Console{router: router, out: out, stop: stop, now: time.Now}
}

// Run reads commands from in until EOF, /stop or ctx cancellation.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if !c.Execute(line) {
				return nil
			}
		}
	}
}

// Execute runs one command and reports whether the console should keep
// reading.
func (c *Console) Execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/users":
		c.listUsers()
	case "/rooms":
		c.listRooms()
	case "/stats":
		c.printStats()
	case "/say":
		if arg == "" {
			fmt.Fprintln(c.out, "usage: /say <message>")
			return true
		}
		n := c.router.Broadcast("Server: " + arg)
		fmt.Fprintf(c.out, "sent to %d clients\n", n)
	case "/stop":
		fmt.Fprintln(c.out, "stopping server...")
		if c.stop != nil {
			c.stop()
		}
		return false
	case "/help":
		c.printHelp()
	default:
		fmt.Fprintf(c.out, "unknown command %q, try /help\n", cmd)
	}
	return true
}

func (c *Console) listUsers() {
	sessions := c.router.Hub().Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "no connected users")
		return
	}

	now := c.now()
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROOM\tSTATUS\tADDRESS\tIDLE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%s\n", s.Username, s.Room, s.Status,
			s.RemoteAddr, s.RemotePort, now.Sub(s.LastActivity).Round(time.Second))
	}
	_ = w.Flush()
}

func (c *Console) listRooms() {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tUSERS\tCREATED BY")
	for _, r := range c.router.Hub().Rooms() {
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.Name, r.Members, r.CreatedBy)
	}
	_ = w.Flush()
}

func (c *Console) printStats() {
	st := c.router.Stats()
	fmt.Fprintf(c.out, "clients: %d (active %d), rooms: %d, messages: %d\n",
		st.TotalClients, st.ActiveClients, st.TotalRooms, st.TotalMessages)
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `commands:
  /users          list connected users
  /rooms          list rooms
  /stats          show relay statistics
  /say <message>  broadcast a server message
  /stop           shut down the server
  /help           show this help`)
}
