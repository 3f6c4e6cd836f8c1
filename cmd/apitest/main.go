// Package main implements a CLI tool for exercising a running chat relay.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"chat-relay/internal/auth"
	"chat-relay/internal/llm"
	"chat-relay/pkg/utils"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type streamFrame struct {
	Content string `json:"content"`
	Error   string `json:"error"`
}

func main() {
	_ = godotenv.Load()

	server := flag.String("server", utils.GetEnvWithDefault("RELAY_URL", "http://localhost:3000"), "Relay base URL")
	prompt := flag.String("prompt", "Hello, what can you do?", "The message to send")
	model := flag.String("model", "openai/gpt-oss-20b:free", "Model id")
	chatID := flag.String("chat", "", "Conversation id (a new one when empty)")
	session := flag.String("session", "", "Guest session id")
	token := flag.String("token", os.Getenv("RELAY_TOKEN"), "Access token; guest when empty")
	mint := flag.String("mint", "", "Mint a development token for this user id and use it")
	debugToken := flag.Bool("debug-token", false, "Print token debugging information and exit")
	flag.Parse()

	if *mint != "" {
		secret := os.Getenv("SUPABASE_JWT_SECRET")
		if secret == "" {
			log.Fatal("SUPABASE_JWT_SECRET is required to mint tokens")
		}
		minted, err := auth.CreateAccessToken(*mint, "", secret, time.Hour)
		if err != nil {
			log.Fatalf("Error minting token: %v", err)
		}
		*token = minted
		fmt.Printf("Minted token for %s: %s\n", *mint, utils.MaskToken(minted))
	}

	if *debugToken {
		DisplayTokenAnalysis(*token)
		return
	}

	if *chatID == "" {
		*chatID = uuid.NewString()
	}

	fmt.Println("Chat Relay Tester")
	fmt.Println("----------------------------")
	fmt.Printf("Server: %s\n", *server)
	fmt.Printf("Model:  %s\n", *model)
	fmt.Printf("Chat:   %s\n", *chatID)
	fmt.Printf("Prompt: %s\n", *prompt)
	if *token == "" {
		fmt.Println("Identity: guest")
	} else {
		fmt.Printf("Identity: %s\n", utils.MaskToken(*token))
	}
	fmt.Println("----------------------------")

	if err := run(*server, *token, *session, map[string]string{
		"message": *prompt,
		"model":   *model,
		"chatId":  *chatID,
	}); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(server, token, session string, body map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(server, "/")+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if session != "" {
		req.Header.Set(auth.SessionHeader, session)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if s := resp.Header.Get(auth.SessionHeader); s != "" {
		fmt.Printf("Guest session: %s\n\n", s)
	}

	start := time.Now()
	reader := llm.NewSSEReader(resp.Body)
	for {
		data, err := reader.ReadEvent()
		if errors.Is(err, io.EOF) {
			return errors.New("stream closed before completion")
		}
		if err != nil {
			return err
		}
		if string(data) == llm.DoneMarker {
			fmt.Printf("\n----------------------------\nCompleted in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("bad frame %q: %w", data, err)
		}
		if frame.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, frame.Error)
		}
		fmt.Print(frame.Content)
	}
}
