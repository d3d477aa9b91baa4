package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shiena/ansicolor"
	log "github.com/sirupsen/logrus"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"github.com/spf13/viper"
	_ "gocloud.dev/blob/fileblob"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tilefetch"
	"tilefetch/internal/store"
)

// flag
var (
	hf bool
	cf string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.Usage = usage
	//InitLog 初始化日志
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	// then wrap the log output with it
	log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stdout))
	log.SetLevel(log.DebugLevel)
}

func usage() {
	fmt.Fprintf(os.Stderr, `tilefetch version: tilefetch/v0.1.0
Usage: tilefetch [-h] [-c filename]
`)
	flag.PrintDefaults()
}

// initConf 初始化配置
func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("app.version", "v 0.1.0")
	viper.SetDefault("service.name", "osm")
	viper.SetDefault("service.scheme", "xyz")
	viper.SetDefault("region.minzoom", 0)
	viper.SetDefault("region.maxzoom", 8)
	viper.SetDefault("task.workers", 6)
	viper.SetDefault("task.retries", 5)
	viper.SetDefault("output.format", "mbtiles")
	viper.SetDefault("output.directory", "output")
	viper.SetDefault("output.skipexisting", false)
}

// regionBound resolves the download region: an explicit bbox wins, else
// the union bound of a geojson collection.
func regionBound() orb.Bound {
	var bbox []float64
	if err := viper.UnmarshalKey("region.bbox", &bbox); err == nil && len(bbox) == 4 {
		return orb.Bound{
			Min: orb.Point{bbox[0], bbox[1]},
			Max: orb.Point{bbox[2], bbox[3]},
		}
	}

	path := viper.GetString("region.geojson")
	if path == "" {
		log.Fatal("region.bbox or region.geojson is required")
	}
	c := loadCollection(path)
	bound := orb.Bound{}
	for i, g := range c {
		if i == 0 {
			bound = g.Bound()
			continue
		}
		bound = bound.Union(g.Bound())
	}

	// report the region weight per zoom before starting
	minz := viper.GetInt("region.minzoom")
	maxz := viper.GetInt("region.maxzoom")
	for z := minz; z <= maxz; z++ {
		count := tilecover.CollectionCount(c, maptile.Zoom(z))
		log.Infof("zoom %d covers %d tiles", z, count)
	}
	return bound
}

func loadCollection(path string) orb.Collection {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("unable to read file: %v", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		log.Fatalf("unable to unmarshal feature: %v", err)
	}

	var collection orb.Collection
	for _, f := range fc.Features {
		collection = append(collection, f.Geometry)
	}
	return collection
}

// openSink builds the configured payload writer.
func openSink(ctx context.Context, service string) store.Writer {
	switch format := viper.GetString("output.format"); format {
	case "mbtiles":
		outdir := viper.GetString("output.directory")
		os.MkdirAll(outdir, os.ModePerm)
		path := filepath.Join(outdir, service+".mbtiles")
		m, err := store.OpenMBTiles(path, map[string]string{
			"name":    service,
			"minzoom": fmt.Sprintf("%d", viper.GetInt("region.minzoom")),
			"maxzoom": fmt.Sprintf("%d", viper.GetInt("region.maxzoom")),
		})
		if err != nil {
			log.Fatalf("open mbtiles %s error ~ %s", path, err)
		}
		log.Infof("writing tiles to %s", path)
		return m
	case "blob":
		url := viper.GetString("output.bucket")
		b, err := store.OpenBlob(ctx, url)
		if err != nil {
			log.Fatalf("open bucket %s error ~ %s", url, err)
		}
		log.Infof("writing tiles to %s", url)
		return b
	default:
		log.Fatalf("unknown output format %q", format)
		return nil
	}
}

func existingTiles(ctx context.Context, w store.Writer, service string) *tilefetch.TileSet {
	if !viper.GetBool("output.skipexisting") {
		return nil
	}
	type lister interface {
		Existing(ctx context.Context, service string) (*tilefetch.TileSet, error)
	}
	l, ok := w.(lister)
	if !ok {
		return nil
	}
	set, err := l.Existing(ctx, service)
	if err != nil {
		log.Warnf("reload existing tiles error ~ %s", err)
		return nil
	}
	log.Infof("skipping %d tiles already stored", set.Len())
	return set
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}

	if cf == "" {
		cf = "conf.toml"
	}
	initConf(cf)
	start := time.Now()
	ctx := context.Background()

	service := viper.GetString("service.name")
	sink := openSink(ctx, service)
	defer sink.Close()

	cfg := tilefetch.Config{
		Service:         service,
		URLTemplate:     viper.GetString("service.url"),
		Subdomains:      viper.GetStringSlice("service.subdomains"),
		Scheme:          viper.GetString("service.scheme"),
		CRS:             viper.GetString("service.crs"),
		CapabilitiesURL: viper.GetString("service.capabilities"),
		Bound:           regionBound(),
		MinZoom:         viper.GetInt("region.minzoom"),
		MaxZoom:         viper.GetInt("region.maxzoom"),
		Concurrency:     viper.GetInt("task.workers"),
		RateLimit:       viper.GetFloat64("task.ratelimit"),
		Retries:         viper.GetInt("task.retries"),
		Existing:        existingTiles(ctx, sink, service),
	}

	h, err := tilefetch.DownloadTiles(ctx, cfg)
	if err != nil {
		log.Fatalf("download config error ~ %s", err)
	}
	log.Infof("task %s: %d tiles, estimated %.2f MB",
		h.ID, h.TotalTiles, float64(h.EstimatedSize)/1024/1024)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("task %s got canceled.", h.ID)
		h.Cancel()
	}()

	bar := pb.New64(int64(h.TotalTiles)).Prefix("Fetching -> ")
	bar.Start()
	for p := range h.Tiles() {
		if err := sink.Write(ctx, p); err != nil {
			log.Errorf("save %d/%d/%d tile error ~ %s", p.Z, p.X, p.Y, err)
		}
		bar.Increment()
	}

	stats, err := h.Stats()
	if err != nil {
		bar.Finish()
		log.Fatalf("task %s aborted ~ %s", h.ID, err)
	}
	bar.FinishPrint(fmt.Sprintf("task %s finished ~", h.ID))
	log.Infof("%d ok, %d failed, %.2f MB in %.1fs (%.1f KB/s)",
		stats.Successful, stats.Failed,
		float64(stats.ActualSize)/1024/1024,
		stats.Elapsed.Seconds(),
		stats.AverageSpeed/1024)
	for _, e := range stats.Errors {
		log.Debugf("failed tile: %s", e)
	}
	log.Printf("\n%.3fs finished...", time.Since(start).Seconds())
}
