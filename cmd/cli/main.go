// Command cli is an interactive shell for a slotkv cluster.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"slotkv/internal/status"
	"slotkv/pkg/client"
)

const usage = `Commands:
  connect <ip> <client_port>                      connect to a node
  put <key> <value>                               store a value
  get <key> [size] [offset]                       read a value (or a window of it)
  erase <key>                                     remove a key
  update_slot_info                                refresh the slot table cache
  migrate_slot <slot> <target_ip> <target_port>   start draining a slot to a node
  import_slot <slot> <target_ip> <target_port>    start importing a slot on a node
  add_node <name> <ip> <client_port> <cluster_port>  introduce a new node
  disconnect                                      close all connections
  help                                            show this help
  exit                                            quit`

func main() {
	c := client.New()
	defer c.DisconnectAll()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("slotkv shell — type 'help' for commands")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "exit", "quit":
			return
		case "help":
			fmt.Println(usage)
		case "connect":
			ip, port, ok := parseAddr(fields[1:])
			if !ok {
				fmt.Println("Usage: connect <ip> <client_port>")
				continue
			}
			if err := c.ConnectToNode(ip, port); err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Println("Connected")
			}
		case "disconnect":
			c.DisconnectAll()
			fmt.Println("Disconnected")
		case "put":
			if len(fields) != 3 {
				fmt.Println("Usage: put <key> <value>")
				continue
			}
			report(c.Put(fields[1], []byte(fields[2])), "")
		case "get":
			if len(fields) < 2 || len(fields) > 4 {
				fmt.Println("Usage: get <key> [size] [offset]")
				continue
			}
			size, offset := uint64(0), uint64(0)
			if len(fields) >= 3 {
				var ok bool
				if size, ok = parseUint(fields[2]); !ok {
					fmt.Println("Invalid size")
					continue
				}
			}
			if len(fields) == 4 {
				var ok bool
				if offset, ok = parseUint(fields[3]); !ok {
					fmt.Println("Invalid offset")
					continue
				}
			}
			value, st := c.GetRange(fields[1], size, offset)
			report(st, string(value))
		case "erase":
			if len(fields) != 2 {
				fmt.Println("Usage: erase <key>")
				continue
			}
			report(c.Erase(fields[1]), "")
		case "update_slot_info":
			report(c.UpdateSlotInfo(), "")
		case "migrate_slot":
			slot, ip, port, ok := parseSlotAddr(fields[1:])
			if !ok {
				fmt.Println("Usage: migrate_slot <slot> <target_ip> <target_port>")
				continue
			}
			report(c.MigrateSlot(slot, ip, port), "")
		case "import_slot":
			slot, ip, port, ok := parseSlotAddr(fields[1:])
			if !ok {
				fmt.Println("Usage: import_slot <slot> <target_ip> <target_port>")
				continue
			}
			report(c.ImportSlot(slot, ip, port), "")
		case "add_node":
			if len(fields) != 5 {
				fmt.Println("Usage: add_node <name> <ip> <client_port> <cluster_port>")
				continue
			}
			clientPort, okClient := parsePort(fields[3])
			clusterPort, okCluster := parsePort(fields[4])
			if !okClient || !okCluster {
				fmt.Println("Invalid port")
				continue
			}
			report(c.AddNodeToCluster(fields[1], fields[2], clientPort, clusterPort), "")
		default:
			fmt.Printf("Unknown command %q — type 'help'\n", fields[0])
		}
	}
}

func report(st status.Status, payload string) {
	if !st.IsOK() {
		fmt.Printf("Error: %s\n", st.Msg())
		return
	}
	if payload != "" {
		fmt.Println(payload)
	} else {
		fmt.Println("OK")
	}
}

func parseUint(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

func parsePort(s string) (uint16, bool) {
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err == nil
}

func parseAddr(fields []string) (string, uint16, bool) {
	if len(fields) != 2 {
		return "", 0, false
	}
	port, ok := parsePort(fields[1])
	return fields[0], port, ok
}

func parseSlotAddr(fields []string) (uint16, string, uint16, bool) {
	if len(fields) != 3 {
		return 0, "", 0, false
	}
	slot, okSlot := parsePort(fields[0])
	port, okPort := parsePort(fields[2])
	return slot, fields[1], port, okSlot && okPort
}
