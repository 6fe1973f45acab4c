package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	urfave "github.com/urfave/cli/v2"

	"github.com/i5heu/shake-gate/pkg/interfaces"
	"github.com/i5heu/shake-gate/pkg/ledger"
	"github.com/i5heu/shake-gate/pkg/model"
	"github.com/i5heu/shake-gate/pkg/oracle"
	"github.com/i5heu/shake-gate/pkg/profile"
	"github.com/i5heu/shake-gate/pkg/publish"
	"github.com/i5heu/shake-gate/pkg/wallet"
)

const excerptRunes = 120

func articleArg(c *urfave.Context) (model.ObjectID, error) {
	if c.NArg() < 1 {
		return "", errors.New("article id is required")
	}
	return model.ParseObjectID(c.Args().First())
}

var viewCommand = &urfave.Command{
	Name:      "view",
	Usage:     "print an article, decrypting it if purchased",
	ArgsUsage: "<article-id>",
	Flags: []urfave.Flag{
		&urfave.BoolFlag{Name: "raw", Usage: "print the body without rendering HTML"},
	},
	Action: func(c *urfave.Context) error {
		id, err := articleArg(c)
		if err != nil {
			return err
		}
		client, log, err := startClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		body, err := client.View(c.Context, id)
		switch {
		case errors.Is(err, interfaces.ErrNotPurchased):
			return fmt.Errorf("%w: run `shake purchase %s` first", err, id)
		case err != nil:
			if interfaces.Retryable(err) {
				log.Warn("view failed, retry may succeed", logKeyArticle, id, logKeyError, err)
			}
			return err
		}
		if c.Bool("raw") {
			_, err = os.Stdout.Write(body)
			return err
		}
		text, err := renderText(body)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

var accessCommand = &urfave.Command{
	Name:      "access",
	Usage:     "show an article's price and whether the wallet may read it",
	ArgsUsage: "<article-id>",
	Action: func(c *urfave.Context) error {
		id, err := articleArg(c)
		if err != nil {
			return err
		}
		client, _, err := startClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		article, err := client.Article(c.Context, id)
		if err != nil {
			return err
		}
		d, err := client.Access(c.Context, id)
		if err != nil {
			return err
		}
		fmt.Printf("title:     %s\n", article.Title)
		fmt.Printf("author:    %s\n", article.Author)
		fmt.Printf("price:     %s\n", formatCoins(article.PriceUnits))
		fmt.Printf("reviews:   %d\n", len(article.Reviews))
		fmt.Printf("free:      %t\n", d.Free)
		fmt.Printf("purchased: %t\n", d.Purchased)
		fmt.Printf("author?:   %t\n", d.IsAuthor)
		return nil
	},
}

var purchaseCommand = &urfave.Command{
	Name:      "purchase",
	Usage:     "buy an article with the configured wallet",
	ArgsUsage: "<article-id>",
	Action: func(c *urfave.Context) error {
		id, err := articleArg(c)
		if err != nil {
			return err
		}
		client, log, err := startClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		paid, err := client.Purchase(c.Context, id)
		if errors.Is(err, interfaces.ErrInsufficientFunds) {
			return fmt.Errorf("%w: top up %s and retry", err, client.Address())
		}
		if err != nil {
			return err
		}
		if !paid {
			fmt.Println("already purchased or free")
			return nil
		}
		log.Info("purchase confirmed", logKeyArticle, id, logKeyAddress, client.Address())
		fmt.Println("purchased")
		return nil
	},
}

var publishCommand = &urfave.Command{
	Name:      "publish",
	Usage:     "publish a file as an article",
	ArgsUsage: "<content-file>",
	Flags: []urfave.Flag{
		&urfave.StringFlag{Name: "title", Required: true},
		&urfave.StringFlag{Name: "price", Usage: "price in coins; empty publishes a free article"},
		&urfave.StringFlag{Name: "thumbnail", Usage: "image file shown with the article"},
	},
	Action: func(c *urfave.Context) error {
		if c.NArg() < 1 {
			return errors.New("content file is required")
		}
		content, err := os.ReadFile(c.Args().First())
		if err != nil {
			return err
		}
		price, err := parseCoins(c.String("price"))
		if err != nil {
			return err
		}
		draft := publish.Draft{
			Title:      c.String("title"),
			Content:    content,
			PriceUnits: price,
			Paid:       c.String("price") != "",
		}
		if path := c.String("thumbnail"); path != "" {
			if draft.Thumbnail, err = os.ReadFile(path); err != nil {
				return err
			}
		}
		if err := draft.Validate(); err != nil {
			return err
		}

		client, log, err := startClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		article, err := client.Publish(c.Context, draft)
		if err != nil {
			return err
		}
		log.Info("article published", logKeyArticle, article.ID)
		fmt.Println(article.ID)
		return nil
	},
}

var registerCommand = &urfave.Command{
	Name:  "register",
	Usage: "create the wallet's author profile",
	Flags: []urfave.Flag{
		&urfave.StringFlag{Name: "name", Required: true},
		&urfave.StringFlag{Name: "bio"},
		&urfave.StringFlag{Name: "image", Usage: "profile picture file", Required: true},
	},
	Action: func(c *urfave.Context) error {
		image, err := os.ReadFile(c.String("image"))
		if err != nil {
			return err
		}
		reg := profile.Registration{
			Name:  c.String("name"),
			Bio:   c.String("bio"),
			Image: image,
		}
		if err := reg.Validate(); err != nil {
			return err
		}

		client, log, err := startClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		p, err := client.Register(c.Context, reg)
		if errors.Is(err, interfaces.ErrProfileExists) {
			return fmt.Errorf("%w: run `shake profile` to see it", err)
		}
		if err != nil {
			return err
		}
		log.Info("profile registered", logKeyAddress, p.Owner)
		fmt.Println(p.ID)
		return nil
	},
}

var profileCommand = &urfave.Command{
	Name:      "profile",
	Usage:     "show an author's profile and posts",
	ArgsUsage: "[address]",
	Action: func(c *urfave.Context) error {
		var owner model.Address
		if c.NArg() > 0 {
			var err error
			if owner, err = model.ParseAddress(c.Args().First()); err != nil {
				return err
			}
		}
		client, _, err := startClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		p, err := client.Profile(c.Context, owner)
		if errors.Is(err, interfaces.ErrProfileNotFound) && owner == "" {
			return fmt.Errorf("%w: run `shake register` first", err)
		}
		if err != nil {
			return err
		}
		posts, err := client.UserPosts(c.Context, p.Owner)
		if err != nil {
			return err
		}
		fmt.Printf("name:    %s\n", p.Name)
		fmt.Printf("owner:   %s\n", p.Owner)
		fmt.Printf("joined:  %s\n", p.CreatedAt.Format(time.DateOnly))
		if p.Bio != "" {
			fmt.Printf("bio:     %s\n", excerpt(p.Bio, excerptRunes))
		}
		for _, a := range posts {
			fmt.Printf("%s  %-8s  %s\n", a.ID, formatCoins(a.PriceUnits), a.Title)
		}
		return nil
	},
}

var reviewsCommand = &urfave.Command{
	Name:      "reviews",
	Usage:     "list the reviews of an article",
	ArgsUsage: "<article-id>",
	Action: func(c *urfave.Context) error {
		id, err := articleArg(c)
		if err != nil {
			return err
		}
		client, _, err := startClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		views, err := client.Reviews(c.Context, id)
		if err != nil {
			return err
		}
		for _, v := range views {
			mark := " "
			if v.IsCurrentUserReview {
				mark = "*"
			}
			vote := ""
			if v.CurrentUserVote != nil {
				vote = " you: " + string(*v.CurrentUserVote)
			}
			fmt.Printf("%s %s  +%d -%d%s  %s  %s\n",
				mark, v.ID, v.HelpfulCount(), v.NotHelpfulCount(), vote,
				v.CreatedAt.Format(time.DateOnly), excerpt(v.Content, excerptRunes))
		}
		return nil
	},
}

var reviewCommand = &urfave.Command{
	Name:      "review",
	Usage:     "review an article",
	ArgsUsage: "<article-id> <text>",
	Action: func(c *urfave.Context) error {
		id, err := articleArg(c)
		if err != nil {
			return err
		}
		client, _, err := startClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		reviewID, err := client.SubmitReview(c.Context, id, c.Args().Get(1))
		if err != nil {
			return err
		}
		fmt.Println(reviewID)
		return nil
	},
}

var voteCommand = &urfave.Command{
	Name:      "vote",
	Usage:     "react to a review (Helpful or NotHelpful)",
	ArgsUsage: "<article-id> <review-id> <reaction>",
	Action: func(c *urfave.Context) error {
		id, err := articleArg(c)
		if err != nil {
			return err
		}
		reviewID, err := model.ParseObjectID(c.Args().Get(1))
		if err != nil {
			return fmt.Errorf("review id: %w", err)
		}
		reaction, err := model.ParseReaction(c.Args().Get(2))
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrUnknownReaction, err)
		}
		client, _, err := startClient(c)
		if err != nil {
			return err
		}
		defer client.Close()

		r, err := client.Vote(c.Context, id, reviewID, reaction)
		if err != nil {
			return err
		}
		fmt.Printf("+%d -%d\n", r.Count(model.Helpful), r.Count(model.NotHelpful))
		return nil
	},
}

var keygenCommand = &urfave.Command{
	Name:  "keygen",
	Usage: "create a wallet seed and a key server key pair",
	Action: func(c *urfave.Context) error {
		w, err := wallet.Generate(nil)
		if err != nil {
			return err
		}
		kp := oracle.GenerateKeyPair()
		fmt.Printf("walletSeed:       %s\n", w.Seed())
		fmt.Printf("walletAddress:    %s\n", w.Address())
		fmt.Printf("keyServerPrivate: %s\n", oracle.EncodePrivateKey(kp.Private))
		fmt.Printf("keyServerPublic:  %s\n", oracle.EncodePublicKey(kp.Public))
		return nil
	},
}

var keyserverCommand = &urfave.Command{
	Name:  "keyserver",
	Usage: "run a key server that releases shares to purchasers",
	Flags: []urfave.Flag{
		&urfave.StringFlag{Name: "id", Required: true},
		&urfave.StringFlag{Name: "listen", Value: ":8410"},
		&urfave.StringFlag{
			Name:     "key",
			Usage:    "hex private key from keygen",
			EnvVars:  []string{"SHAKE_KEYSERVER_KEY"},
			Required: true,
		},
	},
	Action: func(c *urfave.Context) error {
		conf, err := loadConfig(c)
		if err != nil {
			return err
		}
		keys, err := oracle.ParsePrivateKey(c.String("key"))
		if err != nil {
			return err
		}
		log := conf.Logger
		rpc := ledger.NewClient(conf.LedgerURL,
			ledger.WithLogger(log),
			ledger.WithHTTPClient(&http.Client{Timeout: conf.HTTPTimeout}))
		srv := oracle.NewServer(c.String("id"), keys, conf.PackageID, rpc,
			oracle.WithServerLogger(log))

		mux := http.NewServeMux()
		mux.Handle(oracle.FetchKeyPath, srv)
		hs := &http.Server{
			Addr:              c.String("listen"),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- hs.ListenAndServe() }()
		log.Info("key server listening",
			logKeyServer, c.String("id"),
			logKeyListen, hs.Addr)

		select {
		case err := <-errCh:
			return err
		case <-c.Context.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	},
}
