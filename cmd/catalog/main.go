package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/blackmichael/tracklist-feeds/internal/lastfm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		apiKey  string
		baseURL string
		artist  string
		track   string
		limit   int
	)

	flag.StringVar(&apiKey, "api-key", envOrDefault("LASTFM_API_KEY", ""), "Last.fm API key")
	flag.StringVar(&baseURL, "base-url", envOrDefault("LASTFM_BASE_URL", ""), "Last.fm API endpoint (defaults to the public API)")
	flag.StringVar(&track, "track", "", "Track name to search for")
	flag.StringVar(&artist, "artist", "", "Artist name; with --track, look up album art instead of searching")
	flag.IntVar(&limit, "limit", 10, "Maximum number of search results to print")
	flag.Parse()

	if apiKey == "" {
		return fmt.Errorf("--api-key is required (or set LASTFM_API_KEY)")
	}
	if track == "" {
		return fmt.Errorf("--track is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := lastfm.NewClient(baseURL, apiKey, 0, 0)

	if artist != "" {
		fmt.Printf("Looking up album art for %q by %q...\n", track, artist)
		art, err := client.AlbumArt(ctx, artist, track)
		if err != nil {
			return err
		}
		if art == "" {
			fmt.Println("No album art found")
			return nil
		}
		fmt.Println(art)
		return nil
	}

	fmt.Printf("Searching for %q...\n", track)
	tracks, err := client.SearchTracks(ctx, track)
	if err != nil {
		return err
	}
	if len(tracks) == 0 {
		fmt.Println("No tracks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRACK\tARTIST\tLISTENERS\tIMAGE")
	for i, t := range tracks {
		if i == limit {
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Artist, t.Listeners, t.ImageURL)
	}
	return w.Flush()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
