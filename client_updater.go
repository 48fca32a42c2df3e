package nucinstdig

// Contain the ClientUpdate object and the client updater, which publishes
// JSON-encoded messages giving the latest bridge state.

import (
	"encoding/json"
	"fmt"
	"strings"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
// payload, when present, is sent as a third binary frame.
type ClientUpdate struct {
	tag     string
	state   any
	payload []byte
}

// Tag returns the message tag.
func (u ClientUpdate) Tag() string { return u.tag }

// State returns the message contents before encoding.
func (u ClientUpdate) State() any { return u.state }

// tagSendAll asks the updater to repeat the latest message of every tag.
const tagSendAll = "SENDALL"

// offerUpdate queues u without blocking. Producers must never wait on clients.
func offerUpdate(updates chan<- ClientUpdate, u ClientUpdate) bool {
	if updates == nil {
		return false
	}
	select {
	case updates <- u:
		return true
	default:
		return false
	}
}

// publisher is the part of a ZMQ PUB socket the updater uses.
type publisher interface {
	SendMessage(parts ...any) (int, error)
	Close() error
}

// RunClientUpdater forwards any message from its input channel to a ZMQ PUB
// socket bound to portstatus, until abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		pubSocket.Close()
		return err
	}
	publishUpdates(pubSocket, messages, abort)
	return nil
}

// quietTags are too frequent for the update log.
var quietTags = []string{"IMAGE", "SLOTS", "ALIVE", "EVENTS"}

func isQuiet(tag string) bool {
	for _, q := range quietTags {
		if strings.HasPrefix(tag, q) {
			return true
		}
	}
	return false
}

func publishUpdates(pub publisher, messages <-chan ClientUpdate, abort <-chan struct{}) {
	defer pub.Close()

	// Remember the last JSON message of each tag, to repeat on SENDALL.
	lastMessages := make(map[string][]byte)

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			if update.tag == tagSendAll {
				for tag, msg := range lastMessages {
					if _, err := pub.SendMessage(tag, msg); err != nil {
						ProblemLogger.Printf("client updater: error sending %s: %v", tag, err)
					}
				}
				continue
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("client updater: cannot encode %s: %v", update.tag, err)
				continue
			}
			if update.payload != nil {
				_, err = pub.SendMessage(update.tag, message, update.payload)
			} else {
				lastMessages[update.tag] = message
				_, err = pub.SendMessage(update.tag, message)
			}
			if err != nil {
				ProblemLogger.Printf("client updater: error sending %s: %v", update.tag, err)
				continue
			}
			if !isQuiet(update.tag) {
				UpdateLogger.Printf("SEND %v %s\n", update.tag, message)
			}
		}
	}
}
