package client

import (
	"bufio"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"fileferry/internal/config"
)

// handler is the command surface shared by both transport clients.
type handler interface {
	Time() (string, error)
	Echo(string) (string, error)
	Upload(string) (string, error)
	Download(string) (string, error)
	Close() error
}

// Run starts the interactive console. It reads commands from stdin
// until EOF or EXIT and relays them over the selected transport.
func Run(cfg *config.Config) error {
	pterm.DefaultBasicText.Println("fileferry client (type HELP for commands)")

	proto := "tcp"
	var conn handler

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if conn != nil {
			pterm.Printf("%s %s> ", cfg.ClientID, proto)
		} else {
			pterm.Printf("%s> ", proto)
		}
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		switch strings.ToUpper(fields[0]) {
		case "HELP":
			printHelp()

		case "PROTOCOL":
			if conn != nil {
				pterm.Warning.Println("disconnect first (CLOSE)")
				continue
			}
			if len(fields) != 2 {
				pterm.Error.Println("usage: PROTOCOL tcp|udp")
				continue
			}
			switch strings.ToLower(fields[1]) {
			case "tcp", "udp":
				proto = strings.ToLower(fields[1])
			default:
				pterm.Error.Println("usage: PROTOCOL tcp|udp")
			}

		case "CONNECT":
			if conn != nil {
				pterm.Warning.Println("already connected")
				continue
			}
			var err error
			if proto == "tcp" {
				conn, err = DialStream(cfg)
			} else {
				conn, err = DialDatagram(cfg)
			}
			if err != nil {
				pterm.Error.Println(err)
				conn = nil
				continue
			}
			pterm.Success.Printf("connected to server over %s\n", proto)

		case "TIME":
			relay(conn, func(h handler) (string, error) { return h.Time() })

		case "ECHO":
			text := ""
			if idx := strings.IndexByte(line, ' '); idx >= 0 {
				text = line[idx+1:]
			}
			relay(conn, func(h handler) (string, error) { return h.Echo(text) })

		case "UPLOAD":
			if len(fields) != 2 {
				pterm.Error.Println("usage: UPLOAD <path>")
				continue
			}
			relay(conn, func(h handler) (string, error) { return h.Upload(fields[1]) })

		case "DOWNLOAD":
			if len(fields) != 2 {
				pterm.Error.Println("usage: DOWNLOAD <name>")
				continue
			}
			relay(conn, func(h handler) (string, error) { return h.Download(fields[1]) })

		case "CLOSE":
			if conn == nil {
				pterm.Warning.Println("not connected")
				continue
			}
			if err := conn.Close(); err != nil {
				pterm.Error.Println(err)
			} else {
				pterm.Success.Println("disconnected")
			}
			conn = nil

		case "EXIT", "QUIT":
			if conn != nil {
				conn.Close()
			}
			return nil

		default:
			pterm.Error.Printf("unknown command %q, type HELP\n", fields[0])
		}
	}

	if conn != nil {
		conn.Close()
	}
	return scanner.Err()
}

func relay(conn handler, op func(handler) (string, error)) {
	if conn == nil {
		pterm.Warning.Println("not connected (use CONNECT)")
		return
	}
	resp, err := op(conn)
	if err != nil {
		pterm.Error.Println(err)
		return
	}
	pterm.Println(resp)
}

func printHelp() {
	pterm.DefaultBasicText.Println(strings.TrimSpace(`
PROTOCOL tcp|udp   select the transport before connecting
CONNECT            connect and register with the server
TIME               ask the server for its time
ECHO <text>        round-trip a line of text
UPLOAD <path>      send a local file to the server
DOWNLOAD <name>    fetch a server file (resumes partials)
CLOSE              disconnect from the server
EXIT               quit`))
}
