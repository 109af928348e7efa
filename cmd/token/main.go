// Command token mints chat credentials signed with the server's JWT secret.
// It is meant for local development and load tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/tabletalk-chat/internal/auth"
	"github.com/omochice/tabletalk-chat/internal/config"
)

func main() {
	kind := flag.String("kind", "user", "Identity kind: user, merchant or guest")
	id := flag.Int64("id", 0, "User or merchant id")
	name := flag.String("name", "", "Display name")
	avatar := flag.String("avatar", "", "Avatar URL (user and guest)")
	restaurants := flag.String("restaurants", "", "Comma-separated restaurant ids (user) or the single owned restaurant (merchant)")
	room := flag.Int64("room", 0, "Bound room (guest)")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	flag.Parse()

	cfg, err := config.Load(context.Background())
	if err != nil {
		log.Fatal(err)
	}

	ids, err := parseIDs(*restaurants)
	if err != nil {
		log.Fatalf("Invalid -restaurants: %v", err)
	}

	var identity auth.Identity
	switch *kind {
	case "user":
		identity = auth.User{ID: *id, DisplayName: *name, AvatarURL: *avatar, RestaurantIDs: ids}
	case "merchant":
		if len(ids) != 1 {
			log.Fatal("A merchant needs exactly one restaurant in -restaurants")
		}
		identity = auth.Merchant{MerchantID: *id, RestaurantID: ids[0], Name: *name}
	case "guest":
		if *room <= 0 {
			log.Fatal("A guest needs -room")
		}
		identity = auth.Guest{RoomID: *room, UserID: *id, DisplayName: *name, AvatarURL: *avatar}
	default:
		log.Fatalf("Unknown -kind %q", *kind)
	}
	if *id <= 0 {
		log.Fatal("-id must be positive")
	}

	token, err := auth.NewJWTIssuer(cfg.JWT.Secret, cfg.JWT.Issuer).Issue(identity, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
