// Command streamsim drives a streaming engine over the headless device with a synthetic scene: meshes
// are allocated and released at random, textures are sampled at random detail levels, and a decoder
// goroutine answers load requests with generated level data.
package main

import (
	"context"
	"fmt"
	"math/bits"
	"math/rand"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/streamer"
	"github.com/vkngwrapper/streamer/device"
	"github.com/vkngwrapper/streamer/device/headless"
	"github.com/vkngwrapper/streamer/geometry"
	"github.com/vkngwrapper/streamer/texture"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML file overriding the default engine configuration",
	}
	framesFlag = &cli.IntFlag{
		Name:  "frames",
		Usage: "number of frames to simulate",
		Value: 600,
	}
	texturesFlag = &cli.IntFlag{
		Name:  "textures",
		Usage: "number of textures in the scene",
		Value: 64,
	}
	meshesFlag = &cli.IntFlag{
		Name:  "meshes",
		Usage: "number of meshes kept allocated at once",
		Value: 128,
	}
	latencyFlag = &cli.IntFlag{
		Name:  "latency",
		Usage: "number of frames the simulated device runs behind submission",
		Value: 1,
	}
	seedFlag = &cli.Int64Flag{
		Name:  "seed",
		Usage: "random seed for the synthetic scene",
		Value: 1,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "one of debug, info, warn or error, optionally offset as in debug-4",
		Value: "info",
	}
	statsFlag = &cli.BoolFlag{
		Name:  "stats",
		Usage: "print the engine's state as JSON before shutting down",
	}
)

func main() {
	app := &cli.App{
		Name:  "streamsim",
		Usage: "simulate geometry and texture streaming against a headless device",
		Flags: []cli.Flag{
			configFlag,
			framesFlag,
			texturesFlag,
			meshesFlag,
			latencyFlag,
			seedFlag,
			logLevelFlag,
			statsFlag,
		},
		Action: simulate,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(name))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid --%s", logLevelFlag.Name)
	}
	return level, nil
}

func loadConfig(ctx *cli.Context) (streamer.Config, error) {
	if !ctx.IsSet(configFlag.Name) {
		return streamer.DefaultConfig(), nil
	}
	return streamer.LoadConfig(ctx.String(configFlag.Name))
}

func simulate(ctx *cli.Context) error {
	level, err := parseLevel(ctx.String(logLevelFlag.Name))
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	config, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	latency := ctx.Int(latencyFlag.Name)
	if latency < 0 || latency >= config.Frames.SlotCount {
		return errors.Newf("latency must be in [0, %d), but is %d", config.Frames.SlotCount, latency)
	}

	dev := headless.New(logger, headless.Options{})
	engine, err := streamer.New(logger, dev, config)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(ctx.Int64(seedFlag.Name)))
	scene, err := newScene(engine, rng, ctx.Int(texturesFlag.Name), ctx.Int(meshesFlag.Name), config)
	if err != nil {
		return err
	}

	group, decodeCtx := errgroup.WithContext(ctx.Context)
	decodeCtx, stopDecoding := context.WithCancel(decodeCtx)
	group.Go(func() error {
		return decode(decodeCtx, engine, scene.textures)
	})

	frames := ctx.Int(framesFlag.Name)
	for i := 0; i < frames; i++ {
		err = scene.frame(ctx.Context, dev, latency)
		if err != nil {
			break
		}
	}

	stopDecoding()
	decodeErr := group.Wait()
	if err == nil && !errors.Is(decodeErr, context.Canceled) {
		err = decodeErr
	}
	if err != nil {
		return err
	}

	dev.CompleteAll()
	stats := engine.Statistics()
	logger.Info("simulation finished",
		slog.Uint64("frames", stats.Frame),
		slog.Int("loads", stats.Textures.Loads),
		slog.Int("failedLoads", stats.Textures.FailedLoads),
		slog.Int("partialEvictions", stats.Textures.PartialEvictions),
		slog.Int("fullEvictions", stats.Textures.FullEvictions),
		slog.Int("pagesUsed", stats.Pages.Used),
		slog.Int("pagesFree", stats.Pages.Free()),
		slog.Int("vertexBlocks", stats.Vertices.BlockCount),
		slog.Int("transfers", dev.Transfers()),
	)

	if ctx.Bool(statsFlag.Name) {
		writer := jwriter.NewWriter()
		engine.PrintJSON(&writer)
		fmt.Println(string(writer.Bytes()))
	}

	return engine.Close(ctx.Context)
}

// decode answers load requests with generated level data until ctx is done
func decode(ctx context.Context, engine *streamer.Engine, textures map[texture.ID]device.ImageInfo) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case request := <-engine.LoadRequests():
			info := textures[request.Texture]
			err := engine.Producer().PushTexture(ctx, texture.Payload{
				Texture:    request.Texture,
				FirstLevel: request.FirstLevel,
				LevelCount: request.LevelCount,
				Data:       levelData(info, request.FirstLevel, request.LevelCount),
			})
			if err != nil {
				return err
			}
		}
	}
}

func levelData(info device.ImageInfo, first, count int) []byte {
	data := make([]byte, 0, info.LevelsSize(first, count))
	for level := first; level < first+count; level++ {
		size := info.LevelSize(level)
		for i := 0; i < size; i++ {
			data = append(data, byte(level))
		}
	}
	return data
}

type scene struct {
	engine   *streamer.Engine
	rng      *rand.Rand
	textures map[texture.ID]device.ImageInfo
	ids      []texture.ID
	meshes   []geometry.Allocation
	config   streamer.Config
}

func newScene(engine *streamer.Engine, rng *rand.Rand, textureCount, meshCount int, config streamer.Config) (*scene, error) {
	s := &scene{
		engine:   engine,
		rng:      rng,
		textures: make(map[texture.ID]device.ImageInfo, textureCount),
		config:   config,
	}

	for i := 1; i <= textureCount; i++ {
		size := 64 << rng.Intn(5)
		info := device.ImageInfo{Width: size, Height: size, MipLevels: bits.Len(uint(size)), BytesPerPixel: 4}
		id := texture.ID(i)

		err := engine.RegisterTexture(id, info, 0, 0)
		if err != nil {
			return nil, err
		}
		s.textures[id] = info
		s.ids = append(s.ids, id)
	}

	for i := 0; i < meshCount; i++ {
		err := s.addMesh()
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *scene) addMesh() error {
	vertices := 1 + s.rng.Intn(s.config.Geometry.BlockElements/8)
	indices := s.rng.Intn(s.config.Geometry.BlockElements / 4)

	alloc, err := s.engine.AllocateGeometry(vertices, indices)
	if err != nil {
		return err
	}

	err = s.engine.WriteGeometry(alloc,
		make([]byte, vertices*s.config.Geometry.VertexStride),
		make([]byte, indices*s.config.Geometry.IndexStride))
	if err != nil {
		return err
	}

	s.meshes = append(s.meshes, alloc)
	return nil
}

// frame swaps out a few meshes, samples a random subset of textures and lets the device complete
// everything more than latency frames old
func (s *scene) frame(ctx context.Context, dev *headless.Device, latency int) error {
	slot, err := s.engine.BeginFrame(ctx)
	if err != nil {
		return err
	}

	for i := 0; i < len(s.meshes)/16 && len(s.meshes) > 0; i++ {
		index := s.rng.Intn(len(s.meshes))
		s.engine.ReleaseGeometry(s.meshes[index])
		s.meshes[index] = s.meshes[len(s.meshes)-1]
		s.meshes = s.meshes[:len(s.meshes)-1]

		err = s.addMesh()
		if err != nil {
			return err
		}
	}

	// Textures near the camera are sampled at fine levels, distant ones at coarse levels
	for _, id := range s.ids {
		if s.rng.Intn(4) != 0 {
			continue
		}
		info := s.textures[id]
		slot.Feedback().Record(uint32(id), s.rng.Intn(info.MipLevels))
	}

	err = s.engine.EndFrame(slot)
	if err != nil {
		return err
	}

	submitted := dev.Submitted()
	if submitted > uint64(latency) {
		dev.Complete(submitted - uint64(latency))
	}
	return nil
}
