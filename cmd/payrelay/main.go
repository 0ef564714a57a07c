package main

import (
	"log"

	"sponsorpay/services/payrelay"
)

func main() {
	if err := payrelay.Main(); err != nil {
		log.Fatalf("payrelay: %v", err)
	}
}
