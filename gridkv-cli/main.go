package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gridkv/internal/parser"
)

// TransactionState tracks the current transaction state
type TransactionState struct {
	InTransaction bool
	TransactionID string
}

// GridCLI is an interactive client of the gridkv command protocol
type GridCLI struct {
	conn      net.Conn
	replies   *bufio.Reader
	txnState  TransactionState
	host      string
	port      string
	connected bool
	prompt    string
	reader    *bufio.Reader
	parser    parser.Parser
}

func NewGridCLI(host, port string) *GridCLI {
	return &GridCLI{
		host:   host,
		port:   port,
		prompt: "gridkv> ",
		reader: bufio.NewReader(os.Stdin),
		parser: parser.NewStringParser(),
	}
}

// Connect establishes connection to the grid node
func (cli *GridCLI) Connect() error {
	conn, err := net.Dial("tcp", net.JoinHostPort(cli.host, cli.port))
	if err != nil {
		return fmt.Errorf("failed to connect to gridkv node: %w", err)
	}
	cli.attach(conn)
	fmt.Printf("Connected to gridkv node at %s:%s\n", cli.host, cli.port)
	return nil
}

func (cli *GridCLI) attach(conn net.Conn) {
	cli.conn = conn
	cli.replies = bufio.NewReader(conn)
	cli.connected = true
}

func (cli *GridCLI) Disconnect() {
	if cli.connected && cli.conn != nil {
		cli.conn.Close()
		cli.connected = false
		fmt.Println("Disconnected from gridkv node")
	}
}

// SendCommand sends one command line and returns the reply line
func (cli *GridCLI) SendCommand(command string) (string, error) {
	if !cli.connected {
		return "", fmt.Errorf("not connected to gridkv node")
	}

	if _, err := cli.conn.Write([]byte(command + "\n")); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}

	cli.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	response, err := cli.replies.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return parser.DecodeReply(strings.TrimRight(response, "\r\n")), nil
}

// CommandType represents the type of grid command
type CommandType int

const (
	CommandTypeTransactionEnd CommandType = iota // COMMIT, ROLLBACK
	CommandTypeData                              // commands joining the open transaction
	CommandTypeQuery                             // commands running outside transactions
)

// transactional lists the commands taking a trailing transaction id, with
// their number of arguments.
var transactional = map[string]int{
	"GET":    1,
	"PUT":    2,
	"DELETE": 1,
	"PUSH":   2,
	"POP":    2,
}

// ParseCommand parses user input and handles transaction state
func (cli *GridCLI) ParseCommand(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}

	cmd, err := cli.parser.Parse([]byte(input))
	if err != nil {
		return "", err
	}

	switch cmd.Operation {
	case "BEGIN":
		return cli.handleBegin(input)
	case "COMMIT", "ROLLBACK":
		if !cli.txnState.InTransaction {
			return "", fmt.Errorf("no active transaction to %s", strings.ToLower(cmd.Operation))
		}
		return cli.execute(cmd.Operation+" "+cli.txnState.TransactionID, CommandTypeTransactionEnd)
	case "HELP", "\\H":
		cli.showHelp()
		return "", nil
	case "QUIT", "\\Q", "EXIT":
		return "QUIT", nil
	case "STATUS":
		cli.showStatus()
		return "", nil
	}

	if n, ok := transactional[cmd.Operation]; ok {
		if len(cmd.Args) != n {
			return "", fmt.Errorf("%s takes %d argument(s), got %d", cmd.Operation, n, len(cmd.Args))
		}
		if cli.txnState.InTransaction {
			input = input + " " + cli.txnState.TransactionID
		}
		return cli.execute(input, CommandTypeData)
	}
	return cli.execute(input, CommandTypeQuery)
}

func (cli *GridCLI) handleBegin(input string) (string, error) {
	if cli.txnState.InTransaction {
		return "", fmt.Errorf("already in transaction %s. COMMIT or ROLLBACK first", cli.txnState.TransactionID)
	}

	response, err := cli.SendCommand(input)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(response, "ERR ") {
		return response, nil
	}

	cli.txnState.InTransaction = true
	cli.txnState.TransactionID = response
	cli.updatePrompt()
	return fmt.Sprintf("Transaction %s started", response), nil
}

// execute sends a command. The server ends the transaction on a failed
// commit, so any reply to COMMIT or ROLLBACK leaves the transaction.
func (cli *GridCLI) execute(command string, cmdType CommandType) (string, error) {
	response, err := cli.SendCommand(command)
	if err != nil {
		if cmdType == CommandTypeTransactionEnd || cli.txnState.InTransaction {
			cli.clearTransactionState()
		}
		return "", err
	}
	if cmdType == CommandTypeTransactionEnd {
		cli.clearTransactionState()
	}
	return response, nil
}

func (cli *GridCLI) clearTransactionState() {
	cli.txnState = TransactionState{}
	cli.updatePrompt()
}

func (cli *GridCLI) updatePrompt() {
	if cli.txnState.InTransaction {
		cli.prompt = fmt.Sprintf("gridkv[%s]> ", cli.txnState.TransactionID[:min(8, len(cli.txnState.TransactionID))])
	} else {
		cli.prompt = "gridkv> "
	}
}

func (cli *GridCLI) showHelp() {
	fmt.Println("gridkv CLI Commands:")
	fmt.Println("  BEGIN [concurrency] [isolation] - Start a transaction")
	fmt.Println("                             PESSIMISTIC (default) or OPTIMISTIC,")
	fmt.Println("                             REPEATABLE_READ (default) or READ_COMMITTED")
	fmt.Println("  PUT <key> <value>        - Insert or update a key-value pair")
	fmt.Println("  GET <key>                - Retrieve value for a key")
	fmt.Println("  DELETE <key>             - Delete a key")
	fmt.Println("  COMMIT                   - Commit current transaction")
	fmt.Println("  ROLLBACK                 - Rollback current transaction")
	fmt.Println("  COUNT [condition]        - Count entries across the grid")
	fmt.Println("  SCAN <condition>         - Entries matching '*', 'WHERE ...' or 'CEL ...'")
	fmt.Println("  CGET <WHERE condition>   - Entries matching a WHERE condition")
	fmt.Println("  RGET <start> <end>       - Entries with keys in [start, end]")
	fmt.Println("  AVG <condition> [field]  - Average of numeric values or a JSON field")
	fmt.Println("  PUSH <parent> <child>    - Attach an item to a parent")
	fmt.Println("  POP <parent> <child>     - Detach an item from a parent")
	fmt.Println("  CHILDREN <item>          - Children of an item")
	fmt.Println("  TOPOLOGY                 - Topology seen by the connected node")
	fmt.Println("  STATUS                   - Show current transaction status")
	fmt.Println("  HELP                     - Show this help message")
	fmt.Println("  QUIT                     - Exit the CLI")
	fmt.Println("")
	fmt.Println("Notes:")
	fmt.Println("  - Commands outside transactions apply immediately")
	fmt.Println("  - Queries always run outside the open transaction")
	fmt.Println("  - Quote values containing spaces: PUT k \"a b\"")
}

func (cli *GridCLI) showStatus() {
	if cli.txnState.InTransaction {
		fmt.Printf("In transaction: %s\n", cli.txnState.TransactionID)
	} else {
		fmt.Println("No active transaction")
	}
	fmt.Printf("Connected: %t\n", cli.connected)
	if cli.connected {
		fmt.Printf("Server: %s:%s\n", cli.host, cli.port)
	}
}

// Run starts the REPL
func (cli *GridCLI) Run() {
	fmt.Println("gridkv CLI")
	fmt.Println("Type 'help' for available commands or 'quit' to exit")
	fmt.Println()

	for {
		fmt.Print(cli.prompt)

		input, err := cli.reader.ReadString('\n')
		if err != nil {
			fmt.Printf("Error reading input: %v\n", err)
			return
		}

		response, err := cli.ParseCommand(input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		if response == "QUIT" {
			break
		}

		if response != "" {
			fmt.Println(response)
		}
	}
}

func main() {
	host := "localhost"
	port := "7653"

	if len(os.Args) > 1 {
		if os.Args[1] == "--help" || os.Args[1] == "-h" {
			fmt.Println("Usage: gridkv-cli [host] [port]")
			fmt.Println("Default: gridkv-cli localhost 7653")
			return
		}
		host = os.Args[1]
	}
	if len(os.Args) > 2 {
		port = os.Args[2]
	}

	cli := NewGridCLI(host, port)

	if err := cli.Connect(); err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		fmt.Println("Make sure the gridkv node is running")
		os.Exit(1)
	}
	defer cli.Disconnect()

	cli.Run()
}
