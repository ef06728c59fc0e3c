package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes mounts the live event feed.
func RegisterRoutes(r fiber.Router, hub *Hub) {
	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		client := hub.Register()

		finished := make(chan struct{})
		go func() {
			defer close(finished)
			for {
				select {
				case msg := <-client.Send:
					if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				case <-client.done:
					return
				}
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}

		hub.Unregister(client)
		<-finished
	}))
}
