package captcha

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sentinel-gateway/internal/challenge"
)

type fakeGuild struct {
	id       string
	name     string
	members  map[string]Member
	channels map[string]Channel
	roles    map[string]string
	grants   map[string][]string
	bans     map[string]string
	invites  []Invite
}

type sentMessage struct {
	channelID string
	content   string
	file      bool
}

type fakePlatform struct {
	mu       sync.Mutex
	next     int
	guilds   map[string]*fakeGuild
	channels map[string]string
	messages []sentMessage
	banCalls map[string]int
	kicks    []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		guilds:   make(map[string]*fakeGuild),
		channels: make(map[string]string),
		banCalls: make(map[string]int),
	}
}

func (p *fakePlatform) id(prefix string) string {
	p.next++
	return fmt.Sprintf("%s-%d", prefix, p.next)
}

func (p *fakePlatform) addGuild(id, name string) *fakeGuild {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := &fakeGuild{
		id:       id,
		name:     name,
		members:  make(map[string]Member),
		channels: make(map[string]Channel),
		roles:    make(map[string]string),
		grants:   make(map[string][]string),
		bans:     make(map[string]string),
	}
	p.guilds[id] = g
	return g
}

func (p *fakePlatform) addChannel(guildID string, ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.guilds[guildID].channels[ch.ID] = ch
	p.channels[ch.ID] = guildID
}

func (p *fakePlatform) addMember(guildID string, member Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.guilds[guildID].members[member.ID] = member
}

func (p *fakePlatform) banned(guildID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.guilds[guildID].bans[userID]
	return ok
}

func (p *fakePlatform) hasChannel(channelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.channels[channelID]
	return ok
}

func (p *fakePlatform) messagesIn(channelID string) []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []sentMessage
	for _, msg := range p.messages {
		if msg.channelID == channelID {
			out = append(out, msg)
		}
	}
	return out
}

func (p *fakePlatform) CreateGuild(_ context.Context, name string) (Guild, error) {
	p.mu.Lock()
	id := p.id("guild")
	p.mu.Unlock()
	p.addGuild(id, name)
	return Guild{ID: id, Name: name}, nil
}

func (p *fakePlatform) DeleteGuild(_ context.Context, guildID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.guilds[guildID]; !ok {
		return errors.New("unknown guild")
	}
	delete(p.guilds, guildID)
	return nil
}

func (p *fakePlatform) Guilds(context.Context) ([]Guild, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var guilds []Guild
	for _, g := range p.guilds {
		guilds = append(guilds, Guild{ID: g.id, Name: g.name})
	}
	sort.Slice(guilds, func(i, j int) bool { return guilds[i].ID < guilds[j].ID })
	return guilds, nil
}

func (p *fakePlatform) Member(_ context.Context, guildID, userID string) (Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.guilds[guildID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	member, ok := g.members[userID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return member, nil
}

func (p *fakePlatform) Members(_ context.Context, guildID string) ([]Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var members []Member
	for _, member := range p.guilds[guildID].members {
		members = append(members, member)
	}
	return members, nil
}

func (p *fakePlatform) Channels(_ context.Context, guildID string) ([]Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.guilds[guildID]
	if !ok {
		return nil, errors.New("unknown guild")
	}
	var channels []Channel
	for _, ch := range g.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels, nil
}

func (p *fakePlatform) CreateChannel(_ context.Context, guildID string, spec ChannelSpec) (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.guilds[guildID]
	if !ok {
		return Channel{}, errors.New("unknown guild")
	}
	ch := Channel{ID: p.id("channel"), Name: spec.Name, ParentID: spec.ParentID, Kind: spec.Kind, Position: len(g.channels)}
	g.channels[ch.ID] = ch
	p.channels[ch.ID] = guildID
	return ch, nil
}

func (p *fakePlatform) DeleteChannel(_ context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	guildID, ok := p.channels[channelID]
	if !ok {
		return errors.New("unknown channel")
	}
	delete(p.channels, channelID)
	if g, ok := p.guilds[guildID]; ok {
		delete(g.channels, channelID)
	}
	return nil
}

func (p *fakePlatform) EnsureRole(_ context.Context, guildID, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.guilds[guildID]
	if id, ok := g.roles[name]; ok {
		return id, nil
	}
	id := p.id("role")
	g.roles[name] = id
	return id, nil
}

func (p *fakePlatform) AddRole(_ context.Context, guildID, userID, roleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.guilds[guildID]
	g.grants[userID] = append(g.grants[userID], roleID)
	return nil
}

func (p *fakePlatform) Bans(_ context.Context, guildID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id := range p.guilds[guildID].bans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *fakePlatform) Ban(_ context.Context, guildID, userID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.guilds[guildID]
	g.bans[userID] = reason
	delete(g.members, userID)
	p.banCalls[userID]++
	return nil
}

func (p *fakePlatform) Unban(_ context.Context, guildID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.guilds[guildID]
	if _, ok := g.bans[userID]; !ok {
		return errors.New("unknown ban")
	}
	delete(g.bans, userID)
	return nil
}

func (p *fakePlatform) Kick(_ context.Context, guildID, userID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.guilds[guildID].members, userID)
	p.kicks = append(p.kicks, guildID+"/"+userID)
	return nil
}

func (p *fakePlatform) CreateInvite(_ context.Context, channelID string, opts InviteOptions) (Invite, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	guildID, ok := p.channels[channelID]
	if !ok {
		return Invite{}, errors.New("unknown channel")
	}
	invite := Invite{Code: p.id("code"), ChannelID: channelID, MaxAge: opts.MaxAge, MaxUses: opts.MaxUses, Temporary: opts.Temporary}
	g := p.guilds[guildID]
	g.invites = append(g.invites, invite)
	return invite, nil
}

func (p *fakePlatform) Invites(_ context.Context, guildID string) ([]Invite, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Invite(nil), p.guilds[guildID].invites...), nil
}

func (p *fakePlatform) SendMessage(_ context.Context, channelID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[channelID]; !ok {
		return errors.New("unknown channel")
	}
	p.messages = append(p.messages, sentMessage{channelID: channelID, content: content})
	return nil
}

func (p *fakePlatform) SendFile(_ context.Context, channelID, content, _ string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[channelID]; !ok {
		return errors.New("unknown channel")
	}
	p.messages = append(p.messages, sentMessage{channelID: channelID, content: content, file: true})
	return nil
}

type fixedChallenger struct {
	answer string
}

func (f fixedChallenger) Generate() (challenge.Challenge, error) {
	return challenge.Challenge{Answer: f.answer, Image: []byte("png")}, nil
}
