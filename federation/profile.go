package federation

import (
	"encoding/json"
	"strconv"
	"strings"
)

func decodeGitHubProfile(body []byte) (Profile, error) {
	var payload struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Profile{}, invalidProfile("decode github user: %v", err)
	}
	if payload.ID <= 0 {
		return Profile{}, invalidProfile("github user without id")
	}
	return Profile{
		Subject:   strconv.FormatInt(payload.ID, 10),
		Login:     payload.Login,
		Name:      firstNonEmpty(payload.Name, payload.Login),
		Email:     payload.Email,
		AvatarURL: payload.AvatarURL,
	}, nil
}

func decodeOIDCProfile(body []byte) (Profile, error) {
	var payload struct {
		Sub               string `json:"sub"`
		Name              string `json:"name"`
		GivenName         string `json:"given_name"`
		FamilyName        string `json:"family_name"`
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
		Picture           string `json:"picture"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Profile{}, invalidProfile("decode userinfo: %v", err)
	}
	if strings.TrimSpace(payload.Sub) == "" {
		return Profile{}, invalidProfile("userinfo without sub")
	}
	full := strings.TrimSpace(payload.GivenName + " " + payload.FamilyName)
	return Profile{
		Subject:   payload.Sub,
		Login:     payload.PreferredUsername,
		Name:      firstNonEmpty(payload.Name, full, payload.PreferredUsername, payload.Email, payload.Sub),
		Email:     payload.Email,
		AvatarURL: payload.Picture,
	}, nil
}
