package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Scraper ScraperConfig `json:"scraper"`
	Email   EmailConfig   `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string        `json:"env"`              // 运行环境: local / prod
	LogLevel       string        `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr       string        `json:"http_addr"`        // API 服务监听地址
	WorkerPoolCap  int           `json:"worker_pool_cap"`  // 解析/抓取并发上限（单批内取 min(批大小, 上限)）
	TopSellers     int           `json:"top_sellers"`      // 卖家排行默认返回条数
	DaemonInterval time.Duration `json:"daemon_interval"`  // worker 两次扫描之间的间隔（纳秒数，环境变量可用 "30s" 写法）
	DaemonRunOnce  bool          `json:"daemon_run_once"`  // worker 只执行一轮后退出
	TokenLength    int           `json:"token_length"`     // 清单 token 长度
	MaxListLines   int           `json:"max_list_lines"`   // 单次上传允许的最大行数
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置（仅用于出站抓取限流，可留空禁用）。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)，为空表示不启用限流
	Password string `json:"password"` // Redis 密码
}

// ScraperConfig 抓取相关配置。
//
// 所有基准 URL 都来自配置而不是散落的常量，便于在测试里指向 httptest 服务。
type ScraperConfig struct {
	CatalogBaseURL   string        `json:"catalog_base_url"`   // 目录站点根地址
	CatalogQueryTmpl string        `json:"catalog_query_tmpl"` // 目录查询路径模板（%s 为转义后的卡名）
	PriceBriefURL    string        `json:"price_brief_url"`    // 价格摘要服务地址（后接价格键）
	PriceFullURL     string        `json:"price_full_url"`     // 卖家报价表地址（后接价格键）
	OfferCookie      string        `json:"offer_cookie"`       // 抓报价表时固定搜索条件的 Cookie
	UserAgent        string        `json:"user_agent"`         // 浏览器 UA
	AcceptLanguage   string        `json:"accept_language"`    // Accept-Language 头
	FetchTimeout     time.Duration `json:"fetch_timeout"`      // 单次请求超时
	RateLimit        float64       `json:"rate_limit"`         // 出站限流速率（token/s，0 不限）
	RateBurst        float64       `json:"rate_burst"`         // 限流桶容量
	BuyMagicURL      string        `json:"buymagic_url"`       // buymagic 商店搜索地址模板
	SpellShopURL     string        `json:"spellshop_url"`      // spellshop 商店搜索地址模板
	UAHRate          float64       `json:"uah_rate"`           // 商店报价换算汇率（UAH -> USD）
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 任务完成通知接收人，为空禁用通知
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先于文件内容。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json"）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, validate(cfg)
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8081",
			WorkerPoolCap:  30,
			TopSellers:     10,
			DaemonInterval: 30 * time.Second,
			TokenLength:    6,
			MaxListLines:   500,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/cardhunter?parseTime=true&loc=Local",
		},
		Scraper: ScraperConfig{
			CatalogBaseURL:   "http://magiccards.info/",
			CatalogQueryTmpl: "query?q=!%s&v=card&s=cname",
			PriceBriefURL:    "http://partner.tcgplayer.com/x3/mchl.ashx?pk=MAGCINFO&sid=",
			PriceFullURL:     "http://store.tcgplayer.com/productcatalog/product/getpricetable?captureFeaturedSellerData=True&pageSize=50&productId=",
			OfferCookie:      "SearchCriteria=WantGoldStar=False&MinRating=0&MinSales=&magic_MinQuantity=1&GameName=Magic",
			UserAgent:        "Mozilla/5.0 (Windows NT 6.1; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/27.0.1453.110 Safari/537.36",
			AcceptLanguage:   "ru-RU,ru;q=0.8,en-US;q=0.6,en;q=0.4",
			FetchTimeout:     20 * time.Second,
			RateLimit:        0,
			RateBurst:        5,
			BuyMagicURL:      "http://www.buymagic.com.ua/edition/?color=-1&type=-1&rare=-1&id=-1&name=%s&description=&card_type=&artist=&ms=0&mv=-1&ps=0&pv=-1&ts=0&tv=-1&s=1",
			SpellShopURL:     "http://spellshop.com.ua/index.php?searchstring=%s",
			UAHRate:          0.12,
		},
		Email: EmailConfig{
			SMTPPort: 587,
		},
	}
}

// applyDefaults 给未设置的字段补默认值。
func applyDefaults(cfg *Config) {
	def := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = def.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = def.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = def.App.HTTPAddr
	}
	if cfg.App.WorkerPoolCap <= 0 {
		cfg.App.WorkerPoolCap = def.App.WorkerPoolCap
	}
	if cfg.App.TopSellers <= 0 {
		cfg.App.TopSellers = def.App.TopSellers
	}
	if cfg.App.DaemonInterval <= 0 {
		cfg.App.DaemonInterval = def.App.DaemonInterval
	}
	if cfg.App.TokenLength <= 0 {
		cfg.App.TokenLength = def.App.TokenLength
	}
	if cfg.App.MaxListLines <= 0 {
		cfg.App.MaxListLines = def.App.MaxListLines
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = def.MySQL.DSN
	}
	if cfg.Scraper.CatalogBaseURL == "" {
		cfg.Scraper.CatalogBaseURL = def.Scraper.CatalogBaseURL
	}
	if cfg.Scraper.CatalogQueryTmpl == "" {
		cfg.Scraper.CatalogQueryTmpl = def.Scraper.CatalogQueryTmpl
	}
	if cfg.Scraper.PriceBriefURL == "" {
		cfg.Scraper.PriceBriefURL = def.Scraper.PriceBriefURL
	}
	if cfg.Scraper.PriceFullURL == "" {
		cfg.Scraper.PriceFullURL = def.Scraper.PriceFullURL
	}
	if cfg.Scraper.OfferCookie == "" {
		cfg.Scraper.OfferCookie = def.Scraper.OfferCookie
	}
	if cfg.Scraper.UserAgent == "" {
		cfg.Scraper.UserAgent = def.Scraper.UserAgent
	}
	if cfg.Scraper.AcceptLanguage == "" {
		cfg.Scraper.AcceptLanguage = def.Scraper.AcceptLanguage
	}
	if cfg.Scraper.FetchTimeout <= 0 {
		cfg.Scraper.FetchTimeout = def.Scraper.FetchTimeout
	}
	if cfg.Scraper.RateBurst <= 0 {
		cfg.Scraper.RateBurst = def.Scraper.RateBurst
	}
	if cfg.Scraper.BuyMagicURL == "" {
		cfg.Scraper.BuyMagicURL = def.Scraper.BuyMagicURL
	}
	if cfg.Scraper.SpellShopURL == "" {
		cfg.Scraper.SpellShopURL = def.Scraper.SpellShopURL
	}
	if cfg.Scraper.UAHRate <= 0 {
		cfg.Scraper.UAHRate = def.Scraper.UAHRate
	}
	if cfg.Email.SMTPPort <= 0 {
		cfg.Email.SMTPPort = def.Email.SMTPPort
	}
}

// applyEnvOverrides 环境变量优先覆盖配置。
func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("mysql_dsn", "MYSQL_DSN")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_WORKER_POOL_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.App.WorkerPoolCap = n
		}
	}
	if v := os.Getenv("APP_DAEMON_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.DaemonInterval = d
		}
	}
	if v := os.Getenv("APP_DAEMON_RUN_ONCE"); v != "" {
		cfg.App.DaemonRunOnce = v == "1" || v == "true"
	}
	if v := os.Getenv("SCRAPER_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scraper.FetchTimeout = d
		}
	}
	if v := os.Getenv("SCRAPER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scraper.RateLimit = f
		}
	}

	if v := viper.GetString("mysql_dsn"); v != "" {
		cfg.MySQL.DSN = v
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("NOTIFY_TO_EMAIL"); v != "" {
		cfg.Email.ToEmail = v
	}
}

// validate 做启动前的快速校验，目前只检查 DSN 是否合法。
func validate(cfg *Config) error {
	if _, err := mysql.ParseDSN(cfg.MySQL.DSN); err != nil {
		return fmt.Errorf("invalid mysql dsn: %w", err)
	}
	return nil
}
