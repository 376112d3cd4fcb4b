package main

import (
	"log"

	"stand/cmd/internal/app"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
