package gtfs

import (
	"time"
)

// FeedInfo is the single row of feed_info.txt.
type FeedInfo struct {
	ID            string `json:"feed_id"`
	PublisherName string `json:"feed_publisher_name"`
	PublisherURL  string `json:"feed_publisher_url"`
	Lang          string `json:"feed_lang"`
	Version       string `json:"feed_version"`
}

var DefaultFeedInfo = FeedInfo{
	ID:            "mfdz",
	PublisherName: "MITFAHR|DE|ZENTRALE",
	PublisherURL:  "http://www.mitfahrdezentrale.de",
	Lang:          "de",
	Version:       "1",
}

type Config struct {
	// FeedDir receives amarillo.<region>.gtfs.zip and the GTFS-RT files.
	FeedDir     string
	FeedInfo    FeedInfo
	Location    *time.Location
	HorizonDays int
}

func (c Config) withDefaults() Config {
	if c.FeedInfo == (FeedInfo{}) {
		c.FeedInfo = DefaultFeedInfo
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 14
	}
	return c
}
