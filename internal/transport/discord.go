package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/voice-interaction-lab/voicebot/internal/audio"
	"github.com/voice-interaction-lab/voicebot/internal/config"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

const (
	discordRate  = 48000
	frameSamples = discordRate / 50 // 20 ms mono
)

// Discord adapts a Discord voice gateway connection to the Transport
// interface. One instance owns one gateway session; each joined voice
// channel gets its own decoder set and SSRC map.
type Discord struct {
	session      *discordgo.Session
	guildID      string
	loudnessMode string
}

// NewDiscord opens the gateway session. Voice intents only; no privileged
// intents are requested.
func NewDiscord(cfg config.Transport, loudnessMode string) (*Discord, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("transport: discord token required")
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("transport: discordgo.New: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("transport: open discord session: %w", err)
	}
	logging.Infow("transport: discord session opened", "intents", dg.Identify.Intents)
	return &Discord{session: dg, guildID: cfg.GuildID, loudnessMode: loudnessMode}, nil
}

// Join connects to the voice channel and starts mapping SSRCs to users.
func (d *Discord) Join(ctx context.Context, channelID string) (Channel, error) {
	vc, err := d.session.ChannelVoiceJoin(d.guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("transport: voice join %s: %w", channelID, err)
	}
	ch := &discordChannel{
		parent:    d,
		vc:        vc,
		channelID: channelID,
		ssrcUsers: make(map[uint32]string),
		decoders:  make(map[uint32]*opus.Decoder),
	}

	// Speaking updates arrive on the voice websocket and carry the
	// SSRC -> user mapping.
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		ch.mu.Lock()
		ch.ssrcUsers[uint32(su.SSRC)] = su.UserID
		ch.mu.Unlock()
		logging.Debugw("transport: mapped ssrc to user", "ssrc", su.SSRC, "user.id", su.UserID)
	})

	// Voice state updates on the gateway report channel join/leave.
	ch.detach = d.session.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		ch.handleVoiceState(s, vs)
	})

	logging.Infow("transport: voice joined", logging.ChannelFields(channelID)...)
	return ch, nil
}

func (d *Discord) Close() error {
	return d.session.Close()
}

type discordChannel struct {
	parent    *Discord
	vc        *discordgo.VoiceConnection
	channelID string
	detach    func()

	mu        sync.Mutex
	ssrcUsers map[uint32]string
	decoders  map[uint32]*opus.Decoder
	joinFns   []func(userID, username string)
	leaveFns  []func(userID string)
	members   map[string]bool
}

func (c *discordChannel) OnUserJoin(fn func(userID, username string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinFns = append(c.joinFns, fn)
}

func (c *discordChannel) OnUserLeave(fn func(userID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveFns = append(c.leaveFns, fn)
}

func (c *discordChannel) handleVoiceState(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	c.mu.Lock()
	if c.members == nil {
		c.members = make(map[string]bool)
	}
	inChannel := vs.ChannelID == c.channelID
	was := c.members[vs.UserID]
	c.members[vs.UserID] = inChannel
	joins := append([]func(string, string)(nil), c.joinFns...)
	leaves := append([]func(string)(nil), c.leaveFns...)
	c.mu.Unlock()

	switch {
	case inChannel && !was:
		name := c.resolveName(s, vs.UserID)
		for _, fn := range joins {
			fn(vs.UserID, name)
		}
	case !inChannel && was:
		for _, fn := range leaves {
			fn(vs.UserID)
		}
	}
}

func (c *discordChannel) resolveName(s *discordgo.Session, userID string) string {
	if s.State != nil {
		if m, err := s.State.Member(c.parent.guildID, userID); err == nil && m != nil && m.User != nil {
			return m.User.Username
		}
	}
	if u, err := s.User(userID); err == nil && u != nil {
		return u.Username
	}
	return userID
}

// Receive decodes the next opus packet into a loudness-measured chunk.
// Packets from SSRCs with no known user yet are dropped; the mapping
// arrives with the first speaking update.
func (c *discordChannel) Receive(ctx context.Context) (UserChunk, error) {
	for {
		select {
		case <-ctx.Done():
			return UserChunk{}, ctx.Err()
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return UserChunk{}, fmt.Errorf("%w: voice receive channel closed", audio.ErrDevice)
			}
			uc, ok, err := c.decodePacket(pkt)
			if err != nil {
				return UserChunk{}, err
			}
			if !ok {
				continue
			}
			return uc, nil
		}
	}
}

func (c *discordChannel) decodePacket(pkt *discordgo.Packet) (UserChunk, bool, error) {
	c.mu.Lock()
	userID := c.ssrcUsers[pkt.SSRC]
	if userID == "" {
		// No speaking update for this SSRC yet; don't grow the decoder
		// map for packets we are about to drop anyway.
		c.mu.Unlock()
		return UserChunk{}, false, nil
	}
	dec, ok := c.decoders[pkt.SSRC]
	if !ok {
		var err error
		dec, err = opus.NewDecoder(discordRate, 1)
		if err != nil {
			c.mu.Unlock()
			return UserChunk{}, false, fmt.Errorf("%w: opus decoder: %v", audio.ErrDevice, err)
		}
		c.decoders[pkt.SSRC] = dec
	}
	c.mu.Unlock()

	pcm := make([]int16, frameSamples)
	n, err := dec.Decode(pkt.Opus, pcm)
	if err != nil {
		logging.Warnw("transport: opus decode error", "ssrc", pkt.SSRC, "err", err)
		return UserChunk{}, false, nil
	}
	samples := pcm[:n]
	return UserChunk{
		UserID: userID,
		Chunk: audio.Chunk{
			PCM:        samples,
			SampleRate: discordRate,
			LoudnessDB: audio.Loudness(samples, c.parent.loudnessMode),
			Captured:   time.Now(),
		},
	}, true, nil
}

// Play decodes the WAV, resamples to the voice rate and streams 20 ms
// opus frames. Cancel ctx to interrupt mid-response.
func (c *discordChannel) Play(ctx context.Context, wav []byte) error {
	pcm, rate, err := audio.DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("transport: playback audio: %w", err)
	}
	pcm = audio.Resample(pcm, rate, discordRate)

	enc, err := opus.NewEncoder(discordRate, 1, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("%w: opus encoder: %v", audio.ErrDevice, err)
	}

	_ = c.vc.Speaking(true)
	defer func() { _ = c.vc.Speaking(false) }()

	buf := make([]byte, 4000)
	for off := 0; off < len(pcm); off += frameSamples {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := off + frameSamples
		if end > len(pcm) {
			// Pad the tail so the encoder always sees a full frame.
			frame := make([]int16, frameSamples)
			copy(frame, pcm[off:])
			n, err := enc.Encode(frame, buf)
			if err != nil {
				return fmt.Errorf("%w: opus encode: %v", audio.ErrDevice, err)
			}
			if !c.send(ctx, buf[:n]) {
				return ctx.Err()
			}
			break
		}
		n, err := enc.Encode(pcm[off:end], buf)
		if err != nil {
			return fmt.Errorf("%w: opus encode: %v", audio.ErrDevice, err)
		}
		if !c.send(ctx, buf[:n]) {
			return ctx.Err()
		}
	}
	return nil
}

func (c *discordChannel) send(ctx context.Context, frame []byte) bool {
	data := append([]byte(nil), frame...)
	select {
	case <-ctx.Done():
		return false
	case c.vc.OpusSend <- data:
		return true
	}
}

func (c *discordChannel) Close() error {
	if c.detach != nil {
		c.detach()
	}
	return c.vc.Disconnect()
}
