package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DELETE"),
)

const helpText = `
logkv-cli - interactive client for a logkv server.

Usage:
  logkv-cli [-addr host:port]

Commands:
  .help                   - Show this help message
  .exit                   - Exit the program

  PUT key value           - Store a key-value pair; value may contain spaces
  GET key                 - Retrieve a value by key
  DELETE key              - Delete a key
`

func main() {
	addr := flag.String("addr", "127.0.0.1:4000", "Address of the logkv server.")
	timeout := flag.Duration("timeout", 5*time.Second, "Dial timeout.")
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *addr, *timeout)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %s\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "logkv> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".logkv_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	responses := bufio.NewReader(conn)

	for {
		line, err := rl.Readline()

		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return
			}
			continue
		} else if err == io.EOF {
			return
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", err)
			return
		}

		line = strings.TrimSpace(line)

		switch {
		case line == "":
			continue
		case line == ".exit":
			return
		case line == ".help":
			fmt.Print(helpText)
			continue
		}

		resp, err := roundTrip(conn, responses, line)

		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			return
		}

		fmt.Print(resp)
	}
}

// roundTrip sends one request line and reads the single response line.
func roundTrip(w io.Writer, r *bufio.Reader, line string) (string, error) {
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return "", errors.Wrap(err, "send request")
	}

	resp, err := r.ReadString('\n')

	if err != nil {
		return "", errors.Wrap(err, "read response")
	}

	return resp, nil
}
