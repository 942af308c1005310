/*
Package trail implements the multi-resolution decimated cache ("trail") used
to draw waveform overviews of long multichannel recordings.

# Levels

A trail stores several decimation levels of its source. Each level is
described by a cumulative shift: shift 2 keeps one frame per 4 source
frames, shift 6 one per 64. Every level is computed from the previous one,
never from the source, so the chain stays cheap:

	source (44.1 kHz) ──÷4──▶ level 0 ──÷4──▶ level 1 ──÷4──▶ level 2 ...

What a stored frame holds depends on the model:

	halfwave   +peak  -peak  +mean square  -mean square   (4 per channel)
	fullwave   +peak  -peak  mean square                  (3 per channel)
	median     median of four                             (1 per channel)

Mean squares are stored as such; take the square root for RMS amplitude.

# Reading while populating

A trail is populated in the background. Reads never wait: ReadFrames
returns what is ready, fills the rest with the last ready frame, and
reports the full-rate spans still being computed:

	n, busy, err := tr.ReadFrames(info.Level, buf, 0, view)
	if len(busy) > 0 {
	    // draw busy spans as a placeholder and retry later
	}

# Disk cache

With WithCacheDir the first level is mirrored into a cache file named after
the source identity and model. The file carries a token (identity hash,
model, source length) written only when population completes; cancelled
or failed runs delete it. A later trail over the same source reads the
first level back from the cache and only recomputes the coarser levels.

# Usage

	src, _ := source.OpenWAV("take1.wav")
	tr, err := trail.New(ctx, src, decimate.FullwavePeakRMS, []int{2, 4, 6, 8, 10, 12},
	    trail.WithCacheDir("./data/trailcache/cache"))
	if err != nil {
	    return err
	}
	defer tr.Close()

	info := tr.GetBestSubsample(view, 1024)
	buf := sampleio.MakeBuffer(info.Channels, int(view.Len()>>info.Shift)+1)
	n, busy, err := tr.ReadFrames(info.Level, buf, 0, view)

Structural edits (Split, Shift, Remove) are rejected while population runs.
*/
package trail
