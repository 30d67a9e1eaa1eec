package ws

import (
	"log"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/openline-dev/forumchat/internal/protocol"
)

type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	UserID   int
	Nickname string
	IP       string
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	for {
		_, msgBytes, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}

		frameType, frame, err := protocol.ParseFrame(msgBytes)
		if err != nil {
			log.Printf("bad frame from user %d: %v", c.UserID, err)
			continue
		}
		c.processFrame(frameType, frame)
	}
}

func (c *Client) WritePump() {
	defer func() {
		c.Conn.Close()
	}()
	for msg := range c.Send {
		c.Conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *Client) processFrame(frameType string, frame interface{}) {
	switch f := frame.(type) {
	case protocol.ChatMessage:
		c.handleMessage(f)

	case protocol.TypingFrame:
		// Typing indicators go to the recipient only, never the whole room.
		recipient, err := strconv.Atoi(f.Recipient)
		if err != nil {
			return
		}
		f.Sender = strconv.Itoa(c.UserID)
		c.Hub.SendToUser(recipient, f)

	case protocol.MessageReadFrame:
		sender, err := strconv.Atoi(f.SenderID)
		if err != nil {
			return
		}
		if err := c.Hub.Store.MarkMessagesRead(c.UserID, sender); err != nil {
			log.Printf("mark messages read: %v", err)
			return
		}
		// Tell the original sender their messages were read.
		f.ReceiverID = strconv.Itoa(c.UserID)
		c.Hub.SendToUser(sender, f)

	case protocol.RefreshUsersFrame:
		c.Hub.sendUsersList(c)

	default:
		log.Printf("unhandled frame type %q from user %d", frameType, c.UserID)
	}
}

// handleMessage persists a direct message and hands delivery to the hub.
func (c *Client) handleMessage(f protocol.ChatMessage) {
	recipientID, err := strconv.Atoi(f.Recipient)
	if err != nil || f.Content == "" {
		return
	}

	msg, err := c.Hub.Store.SaveMessage(c.UserID, recipientID, f.Content)
	if err != nil {
		log.Printf("save message: %v", err)
		return
	}
	c.Hub.DeliverMessage(msg, f.CorrelationID)
}
