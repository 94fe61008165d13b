package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"stream-gateway/internal/client"
	"stream-gateway/internal/types"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	frames := flag.Int("frames", 5, "Number of frames to send")
	flag.Parse()

	received := make(chan types.Message, 32)

	c := client.New(client.Options{
		URL:               *url,
		HeartbeatInterval: time.Second,
		Logger:            zap.NewExample(),
		OnMessage:         func(m types.Message) { received <- m },
		OnError:           func(err error) { log.Printf("Client error: %v", err) },
	})

	// Тест 1: подключение
	fmt.Println("Test 1: Connecting...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("Connect failed: %v", err)
	}
	if m := waitFor(received, types.TypeConnectionEstablished); m == nil {
		log.Fatalf("connection_established not received")
	}
	fmt.Printf("Session: %s\n", c.SessionID())

	// Тест 2: кадры
	fmt.Println("\nTest 2: Sending frames...")
	for i := 0; i < *frames; i++ {
		err := c.SendFrame(client.Frame{
			Data:      []byte(fmt.Sprintf("fake_frame_data_%d", i)),
			Format:    "jpeg",
			Timestamp: time.Now().UnixMilli(),
			Width:     1920,
			Height:    1080,
		})
		if err != nil {
			log.Fatalf("SendFrame failed: %v", err)
		}
		m := waitFor(received, types.TypeProcessedFrame, types.TypeError)
		switch msg := m.(type) {
		case *types.ProcessedFrameMessage:
			fmt.Printf("Frame %d processed: %v\n", i, msg.Data.Metadata)
		case *types.ErrorMessage:
			log.Fatalf("Gateway error: %s %s", msg.Data.Code, msg.Data.Message)
		default:
			log.Fatalf("No response for frame %d", i)
		}
	}

	// Тест 3: задержка
	fmt.Println("\nTest 3: Measuring latency...")
	if m := waitFor(received, types.TypePong); m == nil {
		log.Fatalf("pong not received")
	}
	fmt.Printf("Latency: %s\n", c.Latency())

	// Тест 4: отключение
	fmt.Println("\nTest 4: Disconnecting...")
	if err := c.Disconnect(); err != nil {
		log.Fatalf("Disconnect failed: %v", err)
	}
	fmt.Printf("State: %s\n", c.State())

	fmt.Println("\n✅ All WebSocket tests completed successfully!")
}

// waitFor ждет сообщение одного из типов, остальные пропускает
func waitFor(ch <-chan types.Message, kinds ...types.MessageType) types.Message {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m := <-ch:
			for _, k := range kinds {
				if m.Kind() == k {
					return m
				}
			}
		case <-timeout:
			return nil
		}
	}
}
