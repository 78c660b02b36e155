package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/MarekRumisek/ib-trading-platform/pkg/secretstore"
)

// tokenEnvKeys 这些 .env 项会写到 gateway/token
var tokenEnvKeys = []string{"IB_TOKEN", "IB_GATEWAY_TOKEN"}

func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("SECRETSTORE_PATH", "data/secrets"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("SECRETSTORE_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		prefix    = flag.String("prefix", "env/", "key prefix for the remaining .env entries")
		list      = flag.Bool("list", false, "only list keys stored in badger")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set SECRETSTORE_KEY or pass -secret-key"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      *list,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if *list {
		keys, err := ss.Keys()
		if err != nil {
			fatal(err)
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}

	written := 0
	tokenFound := false
	for _, k := range sortedKeys(kv) {
		target := (*prefix) + k
		if isTokenKey(k) {
			if tokenFound {
				continue
			}
			target = secretstore.KeyGatewayToken
			tokenFound = true
		}
		if err := ss.SetString(target, kv[k]); err != nil {
			fatal(err)
		}
		written++
	}

	fmt.Fprintf(os.Stderr, "已导入 %d 项到 badger：%s（前缀 %s）\n", written, *dbPath, *prefix)
	if !tokenFound {
		fmt.Fprintf(os.Stderr, "注意：%s 中没有 %s，gateway token 未更新\n", *inPath, strings.Join(tokenEnvKeys, "/"))
	}
}

func isTokenKey(k string) bool {
	for _, t := range tokenEnvKeys {
		if k == t {
			return true
		}
	}
	return false
}

func sortedKeys(kv map[string]string) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
