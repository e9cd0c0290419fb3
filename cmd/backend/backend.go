package main

import (
	"flag"
	"net/http"
	"os"
	"strings"

	"github.com/Strum355/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/spf13/viper"

	"github.com/partyq/partyq/catalog"
	"github.com/partyq/partyq/config"
	"github.com/partyq/partyq/lyrics"
	"github.com/partyq/partyq/server"
)

var production = flag.Bool("p", false, "use production logging")

func main() {
	flag.Parse()

	if *production {
		log.InitJSONLogger(&log.Config{Output: os.Stdout})
	} else {
		log.InitSimpleLogger(&log.Config{Output: os.Stdout})
	}

	config.InitConfig()

	var cache *redis.Client
	if addr := viper.GetString("redis.address"); addr != "" {
		cache = redis.NewClient(&redis.Options{Addr: addr})
		log.WithFields(log.Fields{"addr": addr}).Info("redis cache enabled")
	}

	var search catalog.Searcher
	if id := viper.GetString("spotify.client.id"); id != "" {
		search = catalog.NewSpotifyClient(id, viper.GetString("spotify.client.secret"), cache)
	} else {
		log.Info("no spotify credentials configured, search disabled")
	}

	hosts := strings.Split(viper.GetString("lyrics.hosts"), ",")

	s := server.NewServer(server.Options{
		AdminPassword: viper.GetString("admin.password"),
		Search:        search,
		Videos:        catalog.NewYouTubeFinder(cache),
		Lyrics:        lyrics.NewHTTPProvider(hosts, cache),
	})

	mux := server.NewRestMux(s)
	mux.HandleFunc("/ws", server.GetWSHandleFunc(s))

	go s.Run()

	addr := viper.GetString("server.addr")
	log.WithFields(log.Fields{"addr": addr}).Info("partyq backend listening")
	if err := http.ListenAndServe(addr, cors.Default().Handler(mux)); err != nil {
		log.WithError(err).Error("server exited")
	}
}
