package main

import (
	"log"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"helpdesk_back/articles"
	"helpdesk_back/cache"
	"helpdesk_back/chat"
	"helpdesk_back/feedback"
	"helpdesk_back/storage"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	db, err := storage.OpenFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	embedder, err := articles.NewHTTPEmbedderFromEnv()
	if err != nil {
		log.Fatalf("configure embedder: %v", err)
	}

	r := gin.Default()
	r.Use(cors.Default())

	articleModule, err := articles.RegisterRoutes(r, db, embedder)
	if err != nil {
		log.Fatalf("register article routes: %v", err)
	}

	if _, err := chat.RegisterRoutes(r, db, articleModule.Service(), cache.MaybeClient()); err != nil {
		log.Fatalf("register chat routes: %v", err)
	}

	if _, err := feedback.RegisterRoutes(r, db, articleModule.Service()); err != nil {
		log.Fatalf("register feedback routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
