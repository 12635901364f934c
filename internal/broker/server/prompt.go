package server

import (
	"strings"

	"github.com/pranicsoil/fieldvoice/internal/voice"
)

// Role is the customer segment stored on a profile.
type Role string

const (
	RoleGardener Role = "gardener"
	RoleFarmer   Role = "farmer"
	RoleRancher  Role = "rancher"
	RoleAdmin    Role = "admin"
)

// Profile is the subset of a profiles row the broker needs.
type Profile struct {
	ID       string
	UserID   string
	FullName string
	Role     Role
}

// GardenerDetails mirrors gardener_profiles.
type GardenerDetails struct {
	PropertySize      string
	GardenType        string
	GrowingZone       string
	SoilType          string
	CurrentChallenges string
}

// FarmerDetails mirrors farmer_profiles.
type FarmerDetails struct {
	FarmSize          string
	CropTypes         []string
	FarmingPractices  string
	CurrentChallenges string
}

// RancherDetails mirrors rancher_profiles.
type RancherDetails struct {
	RanchSize         string
	LivestockTypes    []string
	HerdSize          string
	GrazingManagement string
	CurrentChallenges string
}

// RoleDetails holds at most one role-specific record. All nil means the
// profile has no details yet.
type RoleDetails struct {
	Gardener *GardenerDetails
	Farmer   *FarmerDetails
	Rancher  *RancherDetails
}

// PublicPrompt primes the agent for visitors who are not signed in.
const PublicPrompt = "You are a friendly agricultural consultant for Pranic Soil. " +
	"Introduce our services to help gardeners, farmers, and ranchers improve soil health and grow thriving microbiomes. " +
	"Encourage visitors to sign up based on their role: gardener (home gardens, urban farming), " +
	"farmer (commercial crop production), or rancher (livestock and grazing management). " +
	"Be welcoming, informative, and helpful. Keep responses concise and conversational."

const advisorClosing = "Provide personalized advice based on their specific situation. " +
	"Be helpful, knowledgeable, and supportive. Keep responses concise and actionable."

// ComposeContext builds the agent prompt for a caller. Public callers get
// [PublicPrompt]. Authenticated callers without a profile get an empty
// context, which leaves the agent's configured prompt in place.
func ComposeContext(kind voice.ContextKind, p *Profile, d RoleDetails) string {
	if kind == voice.ContextPublic {
		return PublicPrompt
	}
	if p == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("You are an AI agricultural advisor for Pranic Soil, speaking with ")
	b.WriteString(p.FullName)
	b.WriteString(", a ")
	b.WriteString(string(p.Role))
	b.WriteString(". ")

	switch p.Role {
	case RoleGardener:
		g := d.Gardener
		if g == nil {
			g = &GardenerDetails{}
		}
		b.WriteString("Garden details: " + or(g.PropertySize, "N/A") + " property, " +
			or(g.GardenType, "N/A") + " garden type, zone " + or(g.GrowingZone, "N/A") + ", " +
			or(g.SoilType, "N/A") + " soil. Current challenges: " + or(g.CurrentChallenges, "None mentioned") + ". ")
	case RoleFarmer:
		f := d.Farmer
		if f == nil {
			f = &FarmerDetails{}
		}
		b.WriteString("Farm details: " + or(f.FarmSize, "N/A") + " farm, growing " +
			or(strings.Join(f.CropTypes, ", "), "various crops") + ", " + or(f.FarmingPractices, "N/A") +
			" practices. Current challenges: " + or(f.CurrentChallenges, "None mentioned") + ". ")
	case RoleRancher:
		r := d.Rancher
		if r == nil {
			r = &RancherDetails{}
		}
		b.WriteString("Ranch details: " + or(r.RanchSize, "N/A") + " ranch, " +
			or(strings.Join(r.LivestockTypes, ", "), "livestock") + ", herd size: " + or(r.HerdSize, "N/A") + ", " +
			or(r.GrazingManagement, "N/A") + " grazing management. Current challenges: " +
			or(r.CurrentChallenges, "None mentioned") + ". ")
	}

	b.WriteString(advisorClosing)
	return b.String()
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
